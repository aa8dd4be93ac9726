// Package notify provides the optional PostgreSQL LISTEN/NOTIFY wake
// channel described in the design notes: it exists purely to shorten
// how long an idle poller waits before its next poll, never to replace
// the poll-and-claim path or its FIFO/lease-expiry guarantees.
//
// Adapted from the teacher's broader multi-channel listener, narrowed
// to the single channel this domain needs.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Channel is the single notification channel this engine uses: a hint
// that a new outbox row (or a requeued one) is ready to be claimed.
const Channel = "sagaengine_outbox_pending"

// WakeHandler is invoked once per notification received on Channel. The
// payload is opaque; handlers should treat any notification as "poll
// now" rather than parse it for routing decisions.
type WakeHandler func()

// Listener manages a single LISTEN connection with reconnect-with-delay
// behavior, mirroring the teacher's internal/notify/listener.go.
type Listener struct {
	connString     string
	reconnectDelay time.Duration

	mu       sync.RWMutex
	handlers []WakeHandler
	conn     *pgx.Conn
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive bool
	lastErr  error
}

type Option func(*Listener)

func WithReconnectDelay(d time.Duration) Option {
	return func(l *Listener) { l.reconnectDelay = d }
}

func NewListener(connString string, opts ...Option) *Listener {
	l := &Listener{connString: connString, reconnectDelay: 5 * time.Second}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnWake registers a handler invoked whenever a notification arrives.
func (l *Listener) OnWake(h WakeHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Start begins listening in the background. It does not block.
func (l *Listener) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.loop(runCtx)
}

// Stop cancels the listen loop and waits, bounded by ctx, for it to
// exit.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isActive
}

func (l *Listener) loop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			l.closeConn()
			return
		default:
		}

		if err := l.connect(ctx); err != nil {
			l.setStatus(false, err)
			slog.Warn("listen/notify connect failed, retrying", "error", err, "delay", l.reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.reconnectDelay):
				continue
			}
		}

		l.setStatus(true, nil)
		if err := l.listenForever(ctx); err != nil {
			l.setStatus(false, err)
			l.closeConn()
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.reconnectDelay):
				continue
			}
		}
	}
}

func (l *Listener) connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		_ = conn.Close(ctx)
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return nil
}

func (l *Listener) closeConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(context.Background())
		l.conn = nil
	}
	l.isActive = false
}

func (l *Listener) listenForever(ctx context.Context) error {
	for {
		l.mu.RLock()
		conn := l.conn
		l.mu.RUnlock()
		if conn == nil {
			return nil
		}

		if _, err := conn.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.dispatch()
	}
}

func (l *Listener) dispatch() {
	l.mu.RLock()
	handlers := append([]WakeHandler(nil), l.handlers...)
	l.mu.RUnlock()

	for _, h := range handlers {
		go func(h WakeHandler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in outbox wake handler", "panic", r)
				}
			}()
			h()
		}(h)
	}
}

func (l *Listener) setStatus(active bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isActive = active
	l.lastErr = err
}
