package natsrelay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chatrelay/internal/config"
	"chatrelay/internal/metrics"
	"chatrelay/internal/ws"
)

// fakeConn records publishes and hands the subscription handler back to the
// test so it can inject sibling traffic.
type fakeConn struct {
	published [][]byte
	handler   nats.MsgHandler
	drained   bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.published = append(f.published, data)
	return nil
}

func (f *fakeConn) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	f.handler = handler
	return &nats.Subscription{}, nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func relayConfig() config.NATSConfig {
	return config.NATSConfig{
		Subject:        "chatrelay.broadcast",
		RelayMaxPerSec: 1000,
		RelayBurst:     100,
	}
}

func testRegistry(t *testing.T) *ws.Registry {
	t.Helper()
	cfg := config.WebSocketConfig{
		MaxHistorySize: 10,
		WriteWait:      time.Second,
	}
	m := metrics.New(prometheus.NewRegistry())
	return ws.NewRegistry(cfg, nil, m, zerolog.Nop())
}

func TestPublishEnvelope(t *testing.T) {
	fc := &fakeConn{}
	r := newRelay(fc, relayConfig(), zerolog.Nop())

	f := ws.NewFrame(ws.TypeChat)
	f.Content = "hello"
	if err := r.Publish(f); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(fc.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fc.published))
	}
	var env envelope
	if err := json.Unmarshal(fc.published[0], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Replica != r.ReplicaID() {
		t.Errorf("replica = %q, want %q", env.Replica, r.ReplicaID())
	}
	if env.Frame.MessageID != f.MessageID {
		t.Errorf("frame id = %q, want %q", env.Frame.MessageID, f.MessageID)
	}
	if got, _ := env.Frame.ContentString(); got != "hello" {
		t.Errorf("content = %q", got)
	}
}

func TestSiblingFrameEntersHistory(t *testing.T) {
	fc := &fakeConn{}
	r := newRelay(fc, relayConfig(), zerolog.Nop())
	reg := testRegistry(t)

	if err := r.Start(context.Background(), reg); err != nil {
		t.Fatalf("start: %v", err)
	}

	f := ws.NewFrame(ws.TypeChat)
	f.Content = "from sibling"
	data, err := json.Marshal(envelope{Replica: "other-replica", Frame: f})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	fc.handler(&nats.Msg{Data: data})

	if reg.History().Len() != 1 {
		t.Fatalf("history len = %d, want 1", reg.History().Len())
	}
	if got := reg.History().Snapshot()[0].MessageID; got != f.MessageID {
		t.Errorf("history frame id = %q, want %q", got, f.MessageID)
	}
}

func TestOwnFramesDropped(t *testing.T) {
	fc := &fakeConn{}
	r := newRelay(fc, relayConfig(), zerolog.Nop())
	reg := testRegistry(t)

	if err := r.Start(context.Background(), reg); err != nil {
		t.Fatalf("start: %v", err)
	}

	f := ws.NewFrame(ws.TypeChat)
	f.Content = "echo of ourselves"
	data, _ := json.Marshal(envelope{Replica: r.ReplicaID(), Frame: f})
	fc.handler(&nats.Msg{Data: data})

	if reg.History().Len() != 0 {
		t.Errorf("own frame re-entered history, len = %d", reg.History().Len())
	}
}

func TestMalformedEnvelopeIgnored(t *testing.T) {
	fc := &fakeConn{}
	r := newRelay(fc, relayConfig(), zerolog.Nop())
	reg := testRegistry(t)

	if err := r.Start(context.Background(), reg); err != nil {
		t.Fatalf("start: %v", err)
	}
	fc.handler(&nats.Msg{Data: []byte("{broken")})

	if reg.History().Len() != 0 {
		t.Errorf("malformed envelope reached the registry")
	}
}

func TestCloseDrains(t *testing.T) {
	fc := &fakeConn{}
	r := newRelay(fc, relayConfig(), zerolog.Nop())
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !fc.drained {
		t.Error("close did not drain the connection")
	}
}
