package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type payload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type reply struct {
	Echo  string `json:"echo"`
	Error string `json:"error,omitempty"`
}

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}

	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("traceparent", "00-abc-def-02")
	carrier.Set("tracestate", "k=v")
	if got := carrier.Get("traceparent"); got != "00-abc-def-02" {
		t.Fatalf("expected overwrite, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 2 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestPublishSubscribe(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan payload, 1)
	sub, err := Subscribe(nc, "test.sub", func(ctx context.Context, p payload) {
		ch <- p
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "test.sub", payload{Name: "world", Value: 42}); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-ch:
		if p.Name != "world" || p.Value != 42 {
			t.Fatalf("unexpected: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSubscribeDropsMalformed(t *testing.T) {
	nc := startTestNATS(t)

	called := make(chan struct{}, 1)
	sub, err := Subscribe(nc, "test.malformed", func(ctx context.Context, p payload) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	_ = nc.Publish("test.malformed", []byte("{bad"))
	_ = nc.Flush()

	select {
	case <-called:
		t.Fatal("handler should not be called for malformed data")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishMarshalError(t *testing.T) {
	nc := startTestNATS(t)
	if err := Publish(context.Background(), nc, "test.err", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestTracePropagates(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	nc := startTestNATS(t)
	traceID := trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	got := make(chan trace.TraceID, 1)
	sub, err := Subscribe(nc, "test.trace", func(ctx context.Context, p payload) {
		got <- trace.SpanContextFromContext(ctx).TraceID()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(ctx, nc, "test.trace", payload{Name: "t"}); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-got:
		if id != traceID {
			t.Fatalf("trace id = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestRequest(t *testing.T) {
	nc := startTestNATS(t)

	sub, err := nc.Subscribe("test.req", func(msg *nats.Msg) {
		var req payload
		_ = json.Unmarshal(msg.Data, &req)
		data, _ := json.Marshal(payload{Name: req.Name + "-resp", Value: req.Value * 2})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	resp, err := Request[payload, payload](context.Background(), nc, "test.req", payload{Name: "test", Value: 5})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Name != "test-resp" || resp.Value != 10 {
		t.Fatalf("unexpected resp: %+v", resp)
	}
}

func TestRequestNoResponder(t *testing.T) {
	nc := startTestNATS(t)
	_, err := Request[payload, payload](context.Background(), nc, "test.noreply", payload{Name: "x"})
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Fatalf("err = %v", err)
	}
}

func TestRequestErrors(t *testing.T) {
	nc := startTestNATS(t)

	if _, err := Request[chan int, payload](context.Background(), nc, "test.err", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}

	sub, err := nc.Subscribe("test.badjson", func(msg *nats.Msg) {
		_ = msg.Respond([]byte("{invalid"))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	_, err = Request[payload, payload](context.Background(), nc, "test.badjson", payload{Name: "x"})
	if err == nil || !strings.Contains(err.Error(), "decode reply") {
		t.Fatalf("err = %v", err)
	}
}

func TestServe(t *testing.T) {
	nc := startTestNATS(t)

	sub, err := Serve(nc, "test.serve", "q", func(ctx context.Context, p payload) reply {
		return reply{Echo: p.Name}
	}, func(err error) reply {
		return reply{Error: err.Error()}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	got, err := Request[payload, reply](context.Background(), nc, "test.serve", payload{Name: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Echo != "ping" || got.Error != "" {
		t.Fatalf("reply = %+v", got)
	}

	msg, err := nc.Request("test.serve", []byte("{bad"), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var bad reply
	if err := json.Unmarshal(msg.Data, &bad); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(bad.Error, "decode test.serve") {
		t.Fatalf("malformed reply = %+v", bad)
	}
}

func TestServeWithoutMalformedDrops(t *testing.T) {
	nc := startTestNATS(t)

	sub, err := Serve(nc, "test.drop", "", func(ctx context.Context, p payload) reply {
		return reply{Echo: p.Name}
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := nc.RequestWithContext(ctx, "test.drop", []byte("{bad")); err == nil {
		t.Fatal("expected the malformed request to go unanswered")
	}
}
