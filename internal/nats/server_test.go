package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
)

// runServer starts an in-process NATS server on a random local port.
func runServer(t *testing.T) string {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		ServerName: "chat-test",
		Host:       "127.0.0.1",
		Port:       -1,
		NoLog:      true,
		NoSigs:     true,
	})
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("NATS server not ready within timeout")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func connectClient(t *testing.T, url string) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, Config{URL: url}, logger.NewNop())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// startFanout runs f.Serve in the background and waits until its
// subscription is registered.
func startFanout(t *testing.T, f *Fanout, c *Client) (stop func() error) {
	t.Helper()

	before := c.Conn().NumSubscriptions()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for c.Conn().NumSubscriptions() == before {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("fan-out subscriber did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// The subscription is flushed before Serve blocks; one more round trip
	// settles any in-flight registration.
	if err := c.Conn().Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return after cancel")
			return nil
		}
	}
}

func waitForDeliveries(t *testing.T, d *stubDeliverer, n int) []delivered {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := d.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d deliveries, got %+v", n, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeDeliversAcrossInstances(t *testing.T) {
	url := runServer(t)

	clientA := connectClient(t, url)
	clientB := connectClient(t, url)
	localA := &stubDeliverer{}
	localB := &stubDeliverer{}
	instanceA := NewFanout(clientA, localA, logger.NewNop())
	instanceB := NewFanout(clientB, localB, logger.NewNop())

	stopA := startFanout(t, instanceA, clientA)
	stopB := startFanout(t, instanceB, clientB)

	instanceA.EmitToConversation("c1", model.EventUserTyping, model.UserTypingEvent{ConversationID: "c1", UserID: "u1", IsTyping: true})
	instanceB.EmitToUser("u2", model.EventConversationUpdated, model.ConversationUpdatedEvent{ConversationID: "c1", UnreadCount: 1})

	for name, local := range map[string]*stubDeliverer{"A": localA, "B": localB} {
		got := waitForDeliveries(t, local, 2)
		rooms := map[string]model.EventType{}
		for _, d := range got {
			rooms[d.room] = d.event
		}
		if rooms["conversation:c1"] != model.EventUserTyping {
			t.Errorf("instance %s: typing event not delivered, got %+v", name, got)
		}
		if rooms["user:u2"] != model.EventConversationUpdated {
			t.Errorf("instance %s: update event not delivered, got %+v", name, got)
		}
	}

	if err := stopA(); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
	if err := stopB(); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}

func TestStoppedInstanceMissesEvents(t *testing.T) {
	url := runServer(t)

	client := connectClient(t, url)
	local := &stubDeliverer{}
	f := NewFanout(client, local, logger.NewNop())

	// Nothing is retained on the server, so events published while no
	// subscriber is running are never replayed.
	f.EmitToUser("u1", model.EventNewConversation, model.Conversation{ID: "c1"})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	stop := startFanout(t, f, client)
	f.EmitToUser("u1", model.EventConversationUpdated, model.ConversationUpdatedEvent{ConversationID: "c1"})

	waitForDeliveries(t, local, 1)
	// Give a late replay a chance to show up before asserting.
	time.Sleep(50 * time.Millisecond)
	got := local.snapshot()
	if len(got) != 1 || got[0].event != model.EventConversationUpdated {
		t.Fatalf("expected only the live event, got %+v", got)
	}

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve returned %v, want context.Canceled", err)
	}
}
