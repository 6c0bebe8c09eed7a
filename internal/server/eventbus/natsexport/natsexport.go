// Package natsexport mirrors model events onto NATS subjects so external
// consumers can follow fleet changes.
package natsexport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ccheshirecat/fleet/internal/server/eventbus"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
)

// SubjectPrefix is prepended to the event kind.
const SubjectPrefix = "fleet.model."

// Publisher is the subset of *nats.Conn used by the forwarder.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder subscribes to the model topic and republishes each event as JSON.
type Forwarder struct {
	bus    eventbus.Bus
	pub    Publisher
	logger *slog.Logger
	closer func()
}

// Connect dials NATS with reconnect handling and returns a ready Forwarder.
func Connect(url string, bus eventbus.Bus, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "natsexport")
	nc, err := nats.Connect(url,
		nats.Name("fleetd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	f := New(bus, nc, logger)
	f.closer = func() {
		_ = nc.Drain()
		nc.Close()
	}
	return f, nil
}

// New wraps an existing publisher.
func New(bus eventbus.Bus, pub Publisher, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{bus: bus, pub: pub, logger: logger}
}

// Run forwards events until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	ch := make(chan any, 64)
	unsubscribe, err := f.bus.Subscribe(events.TopicModel, ch)
	if err != nil {
		return fmt.Errorf("subscribe model events: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-ch:
			evt, ok := payload.(events.ModelEvent)
			if !ok {
				continue
			}
			if err := f.forward(evt); err != nil {
				f.logger.Warn("forward model event", "compute", evt.ComputeID, "kind", evt.Kind, "error", err)
			}
		}
	}
}

func (f *Forwarder) forward(evt events.ModelEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return f.pub.Publish(SubjectPrefix+string(evt.Kind), data)
}

// Close drains the NATS connection opened by Connect.
func (f *Forwarder) Close() {
	if f.closer != nil {
		f.closer()
	}
}
