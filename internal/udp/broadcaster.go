// Package udp pushes per-cycle telemetry frames as JSON datagrams.
package udp

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"postureguard/internal/engine"
)

type udpConn interface {
	io.Writer
	io.Closer
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

type Broadcaster struct {
	dest string
	conn udpConn
	log  *zap.Logger

	sent      atomic.Uint64
	failures  atomic.Uint64
	warnedErr atomic.Bool
}

func NewBroadcaster(dest string, log *zap.Logger) (*Broadcaster, error) {
	b, err := newBroadcaster(dest,
		net.ResolveUDPAddr,
		func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
			return net.DialUDP(network, laddr, raddr)
		},
	)
	if err != nil {
		return nil, err
	}
	if log != nil {
		b.log = log.With(zap.String("dest", dest))
	}
	return b, nil
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	return &Broadcaster{
		dest: dest,
		conn: conn,
		log:  zap.NewNop(),
	}, nil
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// SendFrame writes one frame as a single JSON datagram.
func (b *Broadcaster) SendFrame(f engine.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return b.Send(data)
}

// ObserveCycle implements engine.Observer. Send errors are counted and the
// first one is logged; telemetry never affects the cycle.
func (b *Broadcaster) ObserveCycle(r engine.Report) {
	if err := b.SendFrame(r.Frame()); err != nil {
		b.failures.Add(1)
		if b.warnedErr.CompareAndSwap(false, true) {
			b.log.Warn("telemetry send failed; further errors suppressed", zap.Error(err))
		}
		return
	}
	if b.warnedErr.CompareAndSwap(true, false) {
		b.log.Info("telemetry send recovered", zap.Uint64("failures", b.failures.Load()))
	}
	b.sent.Add(1)
}

// Counts reports how many frames were sent and how many failed.
func (b *Broadcaster) Counts() (sent, failed uint64) {
	return b.sent.Load(), b.failures.Load()
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
