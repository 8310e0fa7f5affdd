// Package bridge consumes the backend's processing push channel and drives
// local status transitions. The coordinator is injected at construction;
// nothing is looked up through ambient state.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ait-lab/filestaging/internal/refresh"
)

// Coordinator is the slice of the staging coordinator the bridge drives.
type Coordinator interface {
	MarkTrainedByBatch(ctx context.Context, batchID string) (int, error)
	MarkFailedByBatch(ctx context.Context, batchID, message string) (int, error)
}

// Message is one inbound push frame. The backend's push path spells the
// batch id "uploadId" while its REST ack uses "uploadID"; both are accepted.
type Message struct {
	Event       string          `json:"event"`
	UploadID    string          `json:"uploadID"`
	UploadIDAlt string          `json:"uploadId"`
	Error       string          `json:"error"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// BatchID returns whichever spelling the frame carried.
func (m Message) BatchID() string {
	if m.UploadID != "" {
		return m.UploadID
	}
	return m.UploadIDAlt
}

const (
	eventProcessingComplete = "processing_complete"
	eventProcessingError    = "processing_error"
)

// Bridge owns the long-lived push connection. It is opened once the acting
// identity is known to be an admin and must be closed on identity change or
// teardown.
type Bridge struct {
	url   string
	coord Coordinator
	hub   *refresh.Hub

	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// Option tweaks bridge construction.
type Option func(*Bridge)

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(b *Bridge) {
		b.minBackoff = min
		b.maxBackoff = max
	}
}

// New creates a bridge for the given ws:// URL. The URL already carries the
// identity-derived channel key (admin id query parameter).
func New(url string, coord Coordinator, hub *refresh.Hub, opts ...Option) *Bridge {
	b := &Bridge{
		url:        url,
		coord:      coord,
		hub:        hub,
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run connects and consumes push frames until the context is cancelled or
// Close is called. A dropped connection is re-dialed with capped exponential
// backoff; the backoff resets after every successful connect. The source
// frontend never reconnected at all, so any policy here is an improvement —
// this one keeps records awaiting confirmation from being stranded by a
// transient disconnect.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := b.minBackoff
	for {
		if b.stopped(ctx) {
			return ctx.Err()
		}
		conn, resp, err := b.dialer.DialContext(ctx, b.url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			log.Printf("bridge: connect %s failed: %v (retrying in %s)", b.url, err, backoff)
			if err := b.wait(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, b.maxBackoff)
			continue
		}
		backoff = b.minBackoff
		log.Printf("bridge: connected to %s", b.url)
		b.setConn(conn)

		// Unblock the read loop when the context or bridge is shut down.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-b.done:
			case <-watchDone:
			}
			conn.Close()
		}()
		readErr := b.readLoop(ctx, conn)
		close(watchDone)
		b.setConn(nil)

		if b.stopped(ctx) {
			return ctx.Err()
		}
		log.Printf("bridge: connection lost: %v (reconnecting)", readErr)
	}
}

// Close tears the channel down. Safe to call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		b.handleFrame(ctx, data)
	}
}

func (b *Bridge) handleFrame(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("bridge: dropping malformed frame: %v", err)
		return
	}
	batchID := msg.BatchID()
	if batchID == "" {
		log.Printf("bridge: dropping %s frame without a batch id", msg.Event)
		return
	}
	switch msg.Event {
	case eventProcessingComplete:
		n, err := b.coord.MarkTrainedByBatch(ctx, batchID)
		if err != nil {
			log.Printf("bridge: mark trained for batch %s: %v", batchID, err)
			return
		}
		if n == 0 {
			// No local records, e.g. storage was cleared since the upload.
			log.Printf("bridge: no local files for completed batch %s, dropping", batchID)
			return
		}
		log.Printf("bridge: batch %s trained (%d file(s))", batchID, n)
		b.publish("processing-complete")
	case eventProcessingError:
		reason := msg.Error
		if reason == "" {
			reason = "processing failed"
		}
		n, err := b.coord.MarkFailedByBatch(ctx, batchID, reason)
		if err != nil {
			log.Printf("bridge: mark failed for batch %s: %v", batchID, err)
			return
		}
		if n == 0 {
			log.Printf("bridge: no local files for failed batch %s, dropping", batchID)
			return
		}
		log.Printf("bridge: batch %s failed: %s", batchID, reason)
		b.publish("processing-error")
	default:
		log.Printf("bridge: ignoring unknown event %q", msg.Event)
	}
}

func (b *Bridge) publish(reason string) {
	if b.hub != nil {
		b.hub.Publish(reason)
	}
}

func (b *Bridge) setConn(conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
}

// stopped reports whether the bridge was closed or the context cancelled.
func (b *Bridge) stopped(ctx context.Context) bool {
	select {
	case <-b.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (b *Bridge) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return nil
	case <-t.C:
		return nil
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
