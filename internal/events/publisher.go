// Package events delivers the engine's audit events (account connected,
// disconnected, refresh failures, sync runs) to NATS JetStream. Events are
// written to a durable outbox in the same transaction as the state change
// they describe and dispatched from there, so a broker outage never loses
// an event and a redelivery never duplicates one (JetStream dedups on
// message id).
package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atelierhq/mailsync/internal/store"
)

const (
	streamName     = "MAILSYNC_AUDIT"
	dispatchBatch  = 100
	dispatchPause  = 500 * time.Millisecond
	publishBackoff = 10 * time.Second
)

// Publisher wraps NATS JetStream for audit event publishing.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and returns a JetStream publisher.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream creates the audit stream if it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mailsync.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     90 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends one event with broker-side deduplication by msgID.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Dispatch drains the audit outbox until ctx is cancelled. Failed publishes
// are retried with a fixed backoff; everything else keeps flowing.
func (p *Publisher) Dispatch(ctx context.Context, st *store.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := st.DequeueAudit(ctx, dispatchBatch)
		if err != nil {
			log.Printf("[events] dequeue outbox: %v", err)
			if !pause(ctx, time.Second) {
				return
			}
			continue
		}

		if len(entries) == 0 {
			if !pause(ctx, dispatchPause) {
				return
			}
			continue
		}

		for _, e := range entries {
			if err := p.Publish(e.Subject, e.Payload, e.MsgID); err != nil {
				log.Printf("[events] publish %d: %v", e.ID, err)
				_ = st.MarkAuditRetry(ctx, e.ID, publishBackoff)
				continue
			}
			if err := st.MarkAuditPublished(ctx, e.ID); err != nil {
				log.Printf("[events] mark published %d: %v", e.ID, err)
			}
		}
	}
}

// pause sleeps for d unless ctx is cancelled first; it reports whether the
// caller should keep running.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
