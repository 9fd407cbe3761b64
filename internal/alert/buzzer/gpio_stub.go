//go:build !linux

package buzzer

import "fmt"

func openLine(chip string, offset int) (line, error) {
	return nil, fmt.Errorf("buzzer: gpio unsupported on this platform")
}
