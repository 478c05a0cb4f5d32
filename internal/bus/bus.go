package bus

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

const (
	SubjectIncidentCreated   = "opsgate.incident.created"
	SubjectIncidentUpdated   = "opsgate.incident.updated"
	SubjectIncidentAssigned  = "opsgate.incident.assigned"
	SubjectApprovalRequested = "opsgate.approval.requested"
	SubjectRemediationFailed = "opsgate.remediation.failed"
)

// Publisher hands lifecycle events to whatever notifies technicians.
// Publishing is best effort and never part of a state transaction.
type Publisher interface {
	Publish(subject string, payload any) error
}

type NATSPublisher struct {
	Conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("opsgate"))
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{Conn: conn}, nil
}

func (p *NATSPublisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

func (p *NATSPublisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

type Nop struct{}

func (Nop) Publish(string, any) error { return nil }

// Emit publishes and logs failures instead of returning them.
func Emit(p Publisher, logger *slog.Logger, subject string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(subject, payload); err != nil && logger != nil {
		logger.Warn("publish event failed", "subject", subject, "err", err)
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

type Event struct {
	Subject string
	Payload any
}

func (r *Recorder) Publish(subject string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Subject: subject, Payload: payload})
	return nil
}

func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Subject)
	}
	return out
}
