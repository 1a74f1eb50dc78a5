// Package broadcast fans reload signals out to subscribed browsers.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"quik-go/internal/config"
	"quik-go/internal/metrics"
	"quik-go/internal/model"
)

const keepAliveFrame = ": keepalive\n\n"

// Notifier is implemented by anything that can announce a change to browsers.
type Notifier interface {
	NotifyChange(reason string) int
}

// Conn is the write side of a subscribed client connection. net.Conn satisfies it.
type Conn interface {
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Subscription is one browser's membership in the hub.
type Subscription struct {
	ID string

	conn Conn
	mu   sync.Mutex // serializes writes to conn
	done chan struct{}
	once sync.Once
}

// Done is closed when the subscription has been removed from the hub.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) write(frame []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := s.conn.Write(frame)
	return err
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub tracks event-stream subscribers and delivers reload signals to them.
// Signals are never queued: with no subscribers they are dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	writeTimeout time.Duration
	keepAlive    time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewHub creates a Hub using the event stream settings from cfg.
// The metrics parameter is optional; pass nil to disable hub metrics recording.
func NewHub(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		subs:         make(map[string]*Subscription),
		writeTimeout: cfg.Events.WriteTimeout(),
		keepAlive:    cfg.Events.KeepAlive(),
		logger:       logger.With("component", "broadcast_hub"),
		metrics:      m,
	}
}

// Subscribe registers conn. The hub owns conn from here on and closes it on removal.
func (h *Hub) Subscribe(conn Conn) *Subscription {
	sub := &Subscription{
		ID:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub
	}
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscribers.Inc()
	}
	h.logger.Debug("subscriber added", "id", sub.ID, "subscribers", n)
	return sub
}

// Remove drops the subscriber with id and closes its connection. Unknown ids are ignored.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	if h.metrics != nil {
		h.metrics.Subscribers.Dec()
	}
	h.logger.Debug("subscriber removed", "id", id)
}

// Len returns the number of current subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Signal delivers a reload event to every subscriber and returns how many
// received it. Each write is bounded by the write timeout, so a stalled
// browser delays the call by at most that long and is then evicted.
func (h *Hub) Signal(sig model.ReloadSignal) int {
	if h.metrics != nil {
		h.metrics.ReloadSignals.WithLabelValues(metrics.NormalizeReason(sig.Reason)).Inc()
	}

	delivered := h.broadcast([]byte("data: " + sig.Reason + "\n\n"))
	h.logger.Info("reload signal",
		"reason", sig.Reason,
		"delivered", delivered,
	)
	return delivered
}

// NotifyChange raises a reload signal with reason.
func (h *Hub) NotifyChange(reason string) int {
	return h.Signal(model.ReloadSignal{Reason: reason, At: time.Now()})
}

func (h *Hub) broadcast(frame []byte) int {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return 0
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := sub.write(frame, h.writeTimeout); err != nil {
				h.logger.Debug("subscriber write failed", "id", sub.ID, "err", err)
				mu.Lock()
				failed = append(failed, sub.ID)
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	for _, id := range failed {
		h.Remove(id)
		if h.metrics != nil {
			h.metrics.SubscriberEvicted.Inc()
		}
	}
	return len(subs) - len(failed)
}

// Run sends keep-alive comments to every subscriber until ctx is canceled.
// Dead subscribers are evicted by the same path as a failed signal.
func (h *Hub) Run(ctx context.Context) {
	if h.keepAlive <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast([]byte(keepAliveFrame))
		}
	}
}

// Close removes every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Sub(float64(len(subs)))
	}
}
