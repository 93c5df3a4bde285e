package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close() error
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.Name("checkin-verifier"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	slog.DebugContext(ctx, "Publishing event", "subject", subject, "size", len(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Close() error {
	return n.conn.Drain()
}

// Noop drops every event. Used when no NATS url is configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close() error                               { return nil }

// Event subjects
const (
	SessionResumed   = "verify.session.resumed"
	ConsentGiven     = "verify.consent.given"
	GuestRejected    = "verify.guest.rejected"
	GuestVerified    = "verify.guest.verified"
	SessionCompleted = "verify.session.completed"
)

// SessionEvent is the payload of every wizard lifecycle subject.
type SessionEvent struct {
	SessionToken       string    `json:"session_token"`
	FlowType           string    `json:"flow_type"`
	Step               string    `json:"step"`
	GuestIndex         int       `json:"guest_index"`
	VerifiedGuestCount int       `json:"verified_guest_count"`
	ExpectedGuestCount int       `json:"expected_guest_count"`
	Timestamp          time.Time `json:"timestamp"`
}
