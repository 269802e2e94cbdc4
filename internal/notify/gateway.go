package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Qazaq159/taxi-dispatch/internal/ride/domain"
)

// Memory records every send and withdrawal, for tests and local demos.
type Memory struct {
	mu         sync.Mutex
	offers     map[domain.MessageHandle]SentOffer
	driverMsgs map[uuid.UUID][]string
	passMsgs   map[uuid.UUID][]string
	withdrawn  []domain.MessageHandle

	// FailFor makes SendOffer fail for the listed drivers, to exercise the
	// partial fan-out failure path.
	FailFor map[uuid.UUID]error
}

// SentOffer is a recorded offer message.
type SentOffer struct {
	DriverID uuid.UUID
	Message  domain.OfferMessage
}

// NewMemory constructs the gateway.
func NewMemory() *Memory {
	return &Memory{
		offers:     make(map[domain.MessageHandle]SentOffer),
		driverMsgs: make(map[uuid.UUID][]string),
		passMsgs:   make(map[uuid.UUID][]string),
	}
}

// SendOffer records the offer and returns a fresh handle.
func (m *Memory) SendOffer(_ context.Context, driverID uuid.UUID, msg domain.OfferMessage) (domain.MessageHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailFor[driverID]; ok {
		return "", err
	}
	handle := domain.MessageHandle(uuid.NewString())
	m.offers[handle] = SentOffer{DriverID: driverID, Message: msg}
	return handle, nil
}

// Withdraw records the handle as withdrawn.
func (m *Memory) Withdraw(_ context.Context, handle domain.MessageHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withdrawn = append(m.withdrawn, handle)
	return nil
}

// SendToDriver records a plain driver message.
func (m *Memory) SendToDriver(_ context.Context, driverID uuid.UUID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driverMsgs[driverID] = append(m.driverMsgs[driverID], text)
	return nil
}

// SendToPassenger records a plain passenger message.
func (m *Memory) SendToPassenger(_ context.Context, passengerID uuid.UUID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passMsgs[passengerID] = append(m.passMsgs[passengerID], text)
	return nil
}

// Offers returns recorded offers keyed by handle.
func (m *Memory) Offers() map[domain.MessageHandle]SentOffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.MessageHandle]SentOffer, len(m.offers))
	for k, v := range m.offers {
		out[k] = v
	}
	return out
}

// OffersForDriver returns every offer sent to the driver, in order.
func (m *Memory) OffersForDriver(driverID uuid.UUID) []domain.OfferMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OfferMessage
	for _, sent := range m.offers {
		if sent.DriverID == driverID {
			out = append(out, sent.Message)
		}
	}
	return out
}

// Withdrawn returns handles withdrawn so far.
func (m *Memory) Withdrawn() []domain.MessageHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MessageHandle(nil), m.withdrawn...)
}

// DriverMessages returns plain texts sent to the driver.
func (m *Memory) DriverMessages(driverID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.driverMsgs[driverID]...)
}

// PassengerMessages returns plain texts sent to the passenger.
func (m *Memory) PassengerMessages(passengerID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.passMsgs[passengerID]...)
}
