package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the part of *nats.Conn used for forwarding.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder publishes every state change of the bus to NATS on
// <prefix>.<app_id>.status_changed.
type NATSForwarder struct {
	pub         Publisher
	prefix      string
	unsubscribe func()
}

// ConnectNATS dials the NATS server for the forwarder.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("subscription-manager"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

func NewNATSForwarder(pub Publisher, prefix string, events *EventBus) *NATSForwarder {
	f := &NATSForwarder{pub: pub, prefix: prefix}
	f.unsubscribe = events.Subscribe(f.forward)
	return f
}

func (f *NATSForwarder) Subject(appID string) string {
	return f.prefix + "." + appID + ".status_changed"
}

func (f *NATSForwarder) forward(evt StateChanged) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("failed to encode state change", "app_id", evt.AppID, "error", err)
		return
	}
	subject := f.Subject(evt.AppID)
	if err := f.pub.Publish(subject, data); err != nil {
		slog.Error("failed to publish state change", "subject", subject, "app_id", evt.AppID, "user_id", evt.UserID, "error", err)
	}
}

// Stop detaches the forwarder from the bus.
func (f *NATSForwarder) Stop() {
	f.unsubscribe()
}
