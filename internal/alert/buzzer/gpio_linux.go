//go:build linux

package buzzer

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

func openLine(chip string, offset int) (line, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("postureguard-buzzer"))
	if err != nil {
		return nil, fmt.Errorf("buzzer: request %s line %d: %w", chip, offset, err)
	}
	return l, nil
}
