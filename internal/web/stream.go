package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"postureguard/internal/engine"
)

// FrameBroadcaster fans out per-cycle frames to any listeners (e.g. SSE).
// It keeps the most recent frame so new subscribers get an immediate sample.
type FrameBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan engine.Frame
	nextID   int
	last     engine.Frame
	haveLast bool
}

func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{
		subs: make(map[int]chan engine.Frame),
	}
}

func (b *FrameBroadcaster) Subscribe(buffer int) (int, <-chan engine.Frame) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan engine.Frame, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *FrameBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (b *FrameBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish never blocks: a subscriber whose buffer is full misses the frame.
func (b *FrameBroadcaster) Publish(f engine.Frame) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.last = f
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
		}
	}
	b.mu.Unlock()
}

// ObserveCycle implements engine.Observer.
func (b *FrameBroadcaster) ObserveCycle(r engine.Report) {
	b.Publish(r.Frame())
}

const sseKeepAlive = 15 * time.Second

// Handler streams frames as server-sent events until the client goes away.
func (b *FrameBroadcaster) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			return
		}

		id, ch := b.Subscribe(8)
		defer b.Unsubscribe(id)

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
			case f, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(f)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %d\nevent: cycle\ndata: %s\n\n", f.Seq, data); err != nil {
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	})
}
