package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// NATSGateway delivers rider and driver notifications over NATS subjects.
//
// Offers carry a message handle in the headers; a withdrawal is a retraction
// message on the same driver subject referencing that handle, so a client can
// hide an offer card it already rendered.
type NATSGateway struct {
	conn *nats.Conn
}

// NewNATSGateway builds a gateway using the provided NATS connection.
func NewNATSGateway(conn *nats.Conn) *NATSGateway {
	return &NATSGateway{conn: conn}
}

func driverSubject(id uuid.UUID) string    { return "notify.driver." + id.String() }
func passengerSubject(id uuid.UUID) string { return "notify.passenger." + id.String() }

type offerEnvelope struct {
	Kind   string              `json:"kind"`
	Handle string              `json:"handle"`
	Offer  domain.OfferMessage `json:"offer"`
}

type withdrawEnvelope struct {
	Kind   string `json:"kind"`
	Handle string `json:"handle"`
}

type textEnvelope struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// SendOffer publishes the offer to the driver subject and returns a handle
// usable for later withdrawal.
func (g *NATSGateway) SendOffer(ctx context.Context, driverID uuid.UUID, msg domain.OfferMessage) (domain.MessageHandle, error) {
	if g == nil || g.conn == nil {
		return "", fmt.Errorf("notify: nats connection not configured")
	}
	handle := driverID.String() + ":" + uuid.NewString()
	payload, err := json.Marshal(offerEnvelope{Kind: "offer", Handle: handle, Offer: msg})
	if err != nil {
		return "", fmt.Errorf("marshal offer: %w", err)
	}
	err = g.conn.PublishMsg(&nats.Msg{Subject: driverSubject(driverID), Data: payload, Header: map[string][]string{
		"x-trace-id": {traceIDFromContext(ctx)},
		"x-kind":     {"offer"},
		"x-handle":   {handle},
	}})
	if err != nil {
		return "", fmt.Errorf("publish offer: %w", err)
	}
	return domain.MessageHandle(handle), nil
}

// Withdraw publishes a retraction for a previously sent offer.
func (g *NATSGateway) Withdraw(ctx context.Context, handle domain.MessageHandle) error {
	if g == nil || g.conn == nil {
		return nil
	}
	driverID, err := driverFromHandle(handle)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(withdrawEnvelope{Kind: "withdraw", Handle: string(handle)})
	if err != nil {
		return fmt.Errorf("marshal withdrawal: %w", err)
	}
	return g.conn.PublishMsg(&nats.Msg{Subject: driverSubject(driverID), Data: payload, Header: map[string][]string{
		"x-trace-id": {traceIDFromContext(ctx)},
		"x-kind":     {"withdraw"},
		"x-handle":   {string(handle)},
	}})
}

// SendToDriver publishes a plain text message to the driver subject.
func (g *NATSGateway) SendToDriver(ctx context.Context, driverID uuid.UUID, text string) error {
	return g.publishText(ctx, driverSubject(driverID), text)
}

// SendToPassenger publishes a plain text message to the passenger subject.
func (g *NATSGateway) SendToPassenger(ctx context.Context, passengerID uuid.UUID, text string) error {
	return g.publishText(ctx, passengerSubject(passengerID), text)
}

func (g *NATSGateway) publishText(ctx context.Context, subject, text string) error {
	if g == nil || g.conn == nil {
		return fmt.Errorf("notify: nats connection not configured")
	}
	payload, err := json.Marshal(textEnvelope{Kind: "text", Text: text})
	if err != nil {
		return fmt.Errorf("marshal text: %w", err)
	}
	return g.conn.PublishMsg(&nats.Msg{Subject: subject, Data: payload, Header: map[string][]string{
		"x-trace-id": {traceIDFromContext(ctx)},
		"x-kind":     {"text"},
	}})
}

// driverFromHandle recovers the driver subject from the handle prefix.
func driverFromHandle(handle domain.MessageHandle) (uuid.UUID, error) {
	s := string(handle)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return uuid.Parse(s[:i])
		}
	}
	return uuid.Nil, fmt.Errorf("notify: malformed handle %q", s)
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
