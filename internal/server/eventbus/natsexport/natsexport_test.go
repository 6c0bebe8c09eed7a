package natsexport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/eventbus/memory"
	"github.com/ccheshirecat/fleet/internal/server/orchestrator/events"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	got      chan struct{}
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	p.mu.Unlock()
	p.got <- struct{}{}
	return nil
}

func TestForwarderPublishesByKind(t *testing.T) {
	bus := memory.New()
	pub := &recordingPublisher{got: make(chan struct{}, 16)}
	fwd := New(bus, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = fwd.Run(ctx) }()

	evt := events.ModelEvent{Kind: events.KindDeleted, ComputeID: "vm-1", Timestamp: time.Now().UTC()}
	deadline := time.After(5 * time.Second)
	for {
		// Run subscribes asynchronously; retry until the subscription is live.
		pubCtx, pubCancel := context.WithTimeout(ctx, 50*time.Millisecond)
		_ = bus.Publish(pubCtx, events.TopicModel, evt)
		pubCancel()
		select {
		case <-pub.got:
			pub.mu.Lock()
			defer pub.mu.Unlock()
			if pub.subjects[0] != "fleet.model.deleted" {
				t.Fatalf("subject = %s", pub.subjects[0])
			}
			var decoded events.ModelEvent
			if err := json.Unmarshal(pub.payloads[0], &decoded); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.ComputeID != "vm-1" {
				t.Fatalf("unexpected payload: %+v", decoded)
			}
			return
		case <-deadline:
			t.Fatalf("event not forwarded")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
