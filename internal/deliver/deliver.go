package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSubject is used when a Message has no subject.
const DefaultSubject = "Quiz Answer"

var (
	// ErrNoRecipients is returned when there is nobody to deliver to.
	ErrNoRecipients = errors.New("no recipients")
	// ErrPartialFailure means some recipients were reached and some were not.
	ErrPartialFailure = errors.New("delivery partially failed")
	// ErrDeliveryFailed means no recipient was reached.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Message is the content sent to every recipient.
type Message struct {
	Subject    string
	Question   string
	Options    []string
	Answer     string
	Screenshot []byte // PNG, optional
	AnsweredAt time.Time
}

// Transport sends a Message to one recipient.
type Transport interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// Status is the outcome for one recipient.
type Status string

const (
	StatusSent        Status = "sent"
	StatusInvalid     Status = "invalid"
	StatusFailed      Status = "failed"
	StatusNoTransport Status = "no_transport"
)

// RecipientResult reports what happened for one recipient.
type RecipientResult struct {
	Recipient Recipient `json:"recipient"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// DeliveryResult has one entry per recipient, in input order.
type DeliveryResult struct {
	Recipients []RecipientResult `json:"recipients"`
}

// Sent returns how many recipients were reached.
func (r DeliveryResult) Sent() int {
	n := 0
	for _, rr := range r.Recipients {
		if rr.Status == StatusSent {
			n++
		}
	}
	return n
}

// Err summarises the result.
func (r DeliveryResult) Err() error {
	sent := r.Sent()
	switch {
	case len(r.Recipients) == 0:
		return ErrNoRecipients
	case sent == len(r.Recipients):
		return nil
	case sent == 0:
		return ErrDeliveryFailed
	default:
		return fmt.Errorf("%w: %d of %d sent", ErrPartialFailure, sent, len(r.Recipients))
	}
}

// Deliverer fans a Message out to recipients over their channel's Transport.
type Deliverer struct {
	transports  map[Channel]Transport
	concurrency int
}

// NewDeliverer creates a Deliverer. Channels without a transport report StatusNoTransport.
func NewDeliverer(transports map[Channel]Transport, concurrency int) *Deliverer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Deliverer{transports: transports, concurrency: concurrency}
}

// Send validates every recipient, then sends to the valid ones concurrently.
// One recipient failing never stops the others.
func (d *Deliverer) Send(ctx context.Context, msg Message, recipients []Recipient) DeliveryResult {
	if msg.Subject == "" {
		msg.Subject = DefaultSubject
	}

	results := make([]RecipientResult, len(recipients))

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i, r := range recipients {
		results[i] = RecipientResult{Recipient: r}

		if err := r.Validate(); err != nil {
			results[i].Status = StatusInvalid
			results[i].Error = err.Error()
			slog.Warn("Skipping invalid recipient", "name", r.Name, "error", err)
			continue
		}

		transport, ok := d.transports[r.channel()]
		if !ok || transport == nil {
			results[i].Status = StatusNoTransport
			results[i].Error = fmt.Sprintf("no transport configured for %s", r.channel())
			continue
		}

		g.Go(func() error {
			if err := transport.Send(ctx, r, msg); err != nil {
				slog.Error("Delivery failed", "recipient", r.Address, "channel", r.channel(), "error", err)
				results[i].Status = StatusFailed
				results[i].Error = err.Error()
				return nil
			}
			slog.Info("Delivered answer", "recipient", r.Address, "channel", r.channel())
			results[i].Status = StatusSent
			return nil
		})
	}
	g.Wait()

	return DeliveryResult{Recipients: results}
}
