package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "luckypool/shared/contracts/feed/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type chanSink chan v1.Envelope

func (s chanSink) Deliver(_ context.Context, env v1.Envelope) error {
	s <- env
	return nil
}

func TestHub_PublishFanout(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	a := NewClient("a", 4)
	b := NewClient("b", 4)
	hub.Join(a)
	hub.Join(b)

	hub.Publish(v1.TypePoolOpened, v1.PoolPayload{Tier: "bronze", Cycle: 3, Amount: "0"})

	for _, c := range []*Client{a, b} {
		select {
		case env := <-c.Send:
			if env.Type != v1.TypePoolOpened || env.ID == "" {
				t.Fatalf("client %s env=%+v", c.SessionID, env)
			}
			var p v1.PoolPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Cycle != 3 {
				t.Fatalf("client %s payload=%+v err=%v", c.SessionID, p, err)
			}
		default:
			t.Fatalf("client %s received nothing", c.SessionID)
		}
	}
}

func TestHub_FullQueueDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	c := NewClient("slow", 1)
	hub.Join(c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 5 {
			hub.Publish(v1.TypeParticipantAdmitted, v1.InvoicePayload{Tier: "gold"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full client queue")
	}
	if got := len(c.Send); got != 1 {
		t.Fatalf("queued=%d want=1", got)
	}
}

func TestHub_LeaveClosesClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	c := NewClient("x", 4)
	hub.Join(c)
	hub.Leave("x")

	select {
	case <-c.Done():
	default:
		t.Fatalf("client not closed after leave")
	}
	if n := hub.Clients(); n != 0 {
		t.Fatalf("clients=%d want=0", n)
	}
	hub.Publish(v1.TypePoolClosed, v1.PoolPayload{Tier: "bronze"})
	if len(c.Send) != 0 {
		t.Fatalf("left client still received events")
	}
}

func TestHub_Sinks(t *testing.T) {
	t.Parallel()

	sink := make(chanSink, 1)
	hub := NewHub(testLogger(), sink)
	hub.Publish(v1.TypeSettlementHeld, v1.SettlementPayload{Tier: "silver", Cycle: 2, Error: "no wallet"})

	select {
	case env := <-sink:
		if env.Type != v1.TypeSettlementHeld {
			t.Fatalf("type=%s want=%s", env.Type, v1.TypeSettlementHeld)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sink not called")
	}
}

func TestHub_NilAndDiscard(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Publish(v1.TypePoolOpened, v1.PoolPayload{})
	hub.Join(NewClient("a", 1))
	if hub.Clients() != 0 {
		t.Fatalf("nil hub reported clients")
	}
	Discard.Publish(v1.TypePoolOpened, v1.PoolPayload{})
}
