package eventlog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestNATSPublisher_PublishesPerSession(t *testing.T) {
	ns := startNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	s, err := sub.SubscribeSync("test.events.>")
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatal(err)
	}

	p, err := ConnectNATS(ns.ClientURL(), "test.events")
	if err != nil {
		t.Fatalf("ConnectNATS: %v", err)
	}
	if err := p.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}
	e := Event{SessionID: "s1", Type: UtteranceStart, Payload: map[string]string{"text": "Hi."}}
	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg, err := s.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	if msg.Subject != "test.events.s1" {
		t.Errorf("subject = %q", msg.Subject)
	}
	var got Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != UtteranceStart || got.Payload["text"] != "Hi." {
		t.Errorf("event = %+v", got)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestConnectNATS_Errors(t *testing.T) {
	if _, err := ConnectNATS("", ""); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := ConnectNATS("nats://127.0.0.1:1", ""); err == nil {
		t.Error("expected error for unreachable server")
	}
}
