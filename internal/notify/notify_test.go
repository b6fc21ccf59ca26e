package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNATSPublisher_PublishesPerRunSubject(t *testing.T) {
	srv, err := StartEmbedded(-1, testLogger())
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	defer srv.Shutdown()

	sub, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	if _, err := sub.ChanSubscribe(DefaultSubject+".*", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatal(err)
	}

	pub, err := Connect(srv.ClientURL(), "", testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()
	if !pub.Healthy() {
		t.Error("Healthy() = false after connect")
	}

	if err := pub.Publish(context.Background(), "run-1", map[string]string{"stage": "generating"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case m := <-msgs:
		if m.Subject != "readaloud.runs.run-1" {
			t.Errorf("Subject = %q, want %q", m.Subject, "readaloud.runs.run-1")
		}
		var got map[string]string
		if err := json.Unmarshal(m.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got["stage"] != "generating" {
			t.Errorf("stage = %q, want %q", got["stage"], "generating")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestConnect_NoURL(t *testing.T) {
	if _, err := Connect("", "", testLogger()); err == nil {
		t.Error("expected error without url")
	}
}

func TestNop(t *testing.T) {
	if err := (Nop{}).Publish(context.Background(), "run", struct{}{}); err != nil {
		t.Errorf("Nop.Publish = %v", err)
	}
}
