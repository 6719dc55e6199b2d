package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/engine"
)

func TestCodec_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.EncodeData(MessageTypeReply, "1", map[string]string{"audit_uuid": "a"}); err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if err := enc.Encode(&Message{Type: MessageTypeCall, ID: "2", Method: MethodCancelAudit}); err != nil {
		t.Fatalf("failed to encode call: %v", err)
	}
	if strings.Count(buf.String(), "\n") != 2 {
		t.Fatalf("expected two lines, got %q", buf.String())
	}

	dec := NewDecoder(&buf)
	first, err := dec.Decode()
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if first.Type != MessageTypeReply || first.ID != "1" || first.Timestamp.IsZero() {
		t.Errorf("unexpected first message: %+v", first)
	}
	second, err := dec.Decode()
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if second.Method != MethodCancelAudit {
		t.Errorf("expected method %s, got %s", MethodCancelAudit, second.Method)
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestCodec_Invalid(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"unknown type", &Message{Type: "PING"}},
		{"call without method", &Message{Type: MessageTypeCall, ID: "1"}},
		{"call without id", &Message{Type: MessageTypeCall, Method: "x"}},
		{"error without error", &Message{Type: MessageTypeError, ID: "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewEncoder(io.Discard).Encode(tt.msg); err == nil {
				t.Error("expected encode error")
			}
		})
	}

	dec := NewDecoder(strings.NewReader("{not json}\n"))
	if _, err := dec.Decode(); err == nil {
		t.Error("expected decode error for malformed line")
	}
}

func TestControl(t *testing.T) {
	c := NewControl("watcher.decision.control")
	echo := func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		return map[string]json.RawMessage{"echo": payload}, nil
	}
	if err := c.Handle("echo", echo); err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	if err := c.Handle("echo", echo); err == nil {
		t.Error("expected duplicate handler to be rejected")
	}

	reply, err := c.Call(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("failed to call: %v", err)
	}
	if string(reply) != `{"echo":{"a":1}}` {
		t.Errorf("unexpected reply %s", reply)
	}

	if _, err := c.Call(context.Background(), "missing", nil); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if _, err := c.Call(context.Background(), "echo", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
}

func TestControl_CloseWaitsForCalls(t *testing.T) {
	c := NewControl("control")
	started := make(chan struct{})
	release := make(chan struct{})
	_ = c.Handle("slow", func(context.Context, json.RawMessage) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})

	go func() { _, _ = c.Call(context.Background(), "slow", nil) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Close(ctx); err == nil {
		t.Fatal("expected close to time out while a call is in flight")
	}

	close(release)
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("expected close to succeed once drained, got %v", err)
	}
}

func TestStatus_DeliversInOrder(t *testing.T) {
	s := NewStatus("watcher.decision.status", "watcher.decision.api", 4, zerolog.Nop())

	var mu sync.Mutex
	var got []engine.StatusEvent
	s.Subscribe(func(ev engine.StatusEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	unsubscribe := s.Subscribe(func(engine.StatusEvent) { panic("boom") })
	unsubscribe()

	for i := 0; i < 10; i++ {
		if err := s.Publish(context.Background(), engine.StatusEvent{Type: engine.EventTypeAuditQueued, AuditUUID: string(rune('a' + i))}); err != nil {
			t.Fatalf("failed to publish: %v", err)
		}
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("expected 10 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.AuditUUID != string(rune('a'+i)) {
			t.Errorf("event %d out of order: %s", i, ev.AuditUUID)
		}
		if ev.PublisherID != "watcher.decision.api" || ev.Timestamp.IsZero() {
			t.Errorf("expected event stamped, got %+v", ev)
		}
	}

	if err := s.Publish(context.Background(), engine.StatusEvent{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
}

func TestStatus_SubscriberPanicIsContained(t *testing.T) {
	s := NewStatus("status", "pub", 1, zerolog.Nop())
	var count int
	var mu sync.Mutex
	s.Subscribe(func(engine.StatusEvent) { panic("boom") })
	s.Subscribe(func(engine.StatusEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	_ = s.Publish(context.Background(), engine.StatusEvent{Type: engine.EventTypePlanCreated})
	_ = s.Publish(context.Background(), engine.StatusEvent{Type: engine.EventTypePlanEmpty})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("expected both events delivered to the healthy subscriber, got %d", count)
	}
}

type denyAll struct{}

func (denyAll) Authorize(_ context.Context, req AuthRequest) error {
	if req.Method == "echo" {
		return nil
	}
	return engine.NewPermanentError("denied", nil).WithCode(engine.ErrCodePermissionDenied)
}

func startServer(t *testing.T, auth Authorizer) (*Client, *Control, *Status) {
	t.Helper()
	control := NewControl("control")
	status := NewStatus("status", "pub", 8, zerolog.Nop())
	path := filepath.Join(t.TempDir(), "decider.sock")

	srv, err := NewServer(ServerConfig{Path: path, Control: control, Status: status, Authorizer: auth, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve returned %v", err)
		}
		_ = status.Close(context.Background())
	})
	return NewClient(path, "tester"), control, status
}

func TestSocket_CallAndErrors(t *testing.T) {
	client, control, _ := startServer(t, nil)
	_ = control.Handle("echo", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var in map[string]string
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return map[string]string{"got": in["say"]}, nil
	})
	_ = control.Handle("fail", func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, engine.Overloaded("no worker slot", context.DeadlineExceeded)
	})

	var out map[string]string
	if err := client.Call(context.Background(), "echo", map[string]string{"say": "hi"}, &out); err != nil {
		t.Fatalf("failed to call: %v", err)
	}
	if out["got"] != "hi" {
		t.Errorf("expected echo, got %v", out)
	}

	err := client.Call(context.Background(), "fail", nil, nil)
	if !errors.Is(err, engine.ErrOverloaded) || !engine.IsRetryable(err) {
		t.Fatalf("expected overloaded error across the socket, got %v", err)
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Details["cause"] != context.DeadlineExceeded.Error() {
		t.Errorf("expected cause detail, got %v", ee.Details)
	}

	if err := client.Call(context.Background(), "missing", nil, nil); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestSocket_Authorizer(t *testing.T) {
	client, control, _ := startServer(t, denyAll{})
	_ = control.Handle("echo", func(context.Context, json.RawMessage) (interface{}, error) { return "ok", nil })
	_ = control.Handle("admin", func(context.Context, json.RawMessage) (interface{}, error) { return "ok", nil })

	var out string
	if err := client.Call(context.Background(), "echo", nil, &out); err != nil || out != "ok" {
		t.Fatalf("expected allowed call, got %q %v", out, err)
	}
	if err := client.Call(context.Background(), "admin", nil, nil); !errors.Is(err, engine.ErrPermissionDenied) {
		t.Errorf("expected permission denied, got %v", err)
	}
}

func TestSocket_Subscribe(t *testing.T) {
	client, _, status := startServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan engine.StatusEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- client.Subscribe(ctx, "audit-1", func(ev engine.StatusEvent) { received <- ev })
	}()

	// Publish until the subscription is live; events before it are not replayed.
	deadline := time.After(2 * time.Second)
	for {
		_ = status.Publish(context.Background(), engine.StatusEvent{Type: engine.EventTypeAuditQueued, AuditUUID: "audit-2"})
		_ = status.Publish(context.Background(), engine.StatusEvent{Type: engine.EventTypePlanCreated, AuditUUID: "audit-1"})
		select {
		case ev := <-received:
			if ev.AuditUUID != "audit-1" || ev.Type != engine.EventTypePlanCreated {
				t.Fatalf("unexpected event %+v", ev)
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("expected clean end of stream, got %v", err)
			}
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
