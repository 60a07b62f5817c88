package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/switchboard/pkg/models"
)

func drainFrames(t *testing.T, conn *Connection) []models.CriticalEvent {
	t.Helper()
	var out []models.CriticalEvent
	for {
		select {
		case data := <-conn.send:
			var ev models.CriticalEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func event(userID string, seq uint64) models.CriticalEvent {
	return models.CriticalEvent{
		Type:        models.EventAgentThinking,
		UserID:      userID,
		ExecutionID: "exec-" + userID,
		Sequence:    seq,
		Timestamp:   time.Now(),
	}
}

func TestBridgeDeliversToOwnerOnly(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	bridge := NewEventBridge(registry, nil)

	alice := NewConnection("conn-a", nil, 8)
	bob := NewConnection("conn-b", nil, 8)
	registry.Bind(alice, "alice")
	registry.Bind(bob, "bob")

	bridge.Deliver(event("alice", 1))

	if got := drainFrames(t, alice); len(got) != 1 || got[0].UserID != "alice" {
		t.Errorf("alice frames = %v", got)
	}
	if got := drainFrames(t, bob); len(got) != 0 {
		t.Errorf("bob received %d frames for alice's event", len(got))
	}
}

func TestBridgeFansOutToAllUserConnections(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	bridge := NewEventBridge(registry, nil)

	laptop := NewConnection("conn-1", nil, 8)
	phone := NewConnection("conn-2", nil, 8)
	registry.Bind(laptop, "alice")
	registry.Bind(phone, "alice")

	bridge.Deliver(event("alice", 1))

	for _, conn := range []*Connection{laptop, phone} {
		if got := drainFrames(t, conn); len(got) != 1 {
			t.Errorf("connection %s got %d frames", conn.ID, len(got))
		}
	}
}

func TestBridgeDropsWithoutConnections(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	bridge := NewEventBridge(registry, nil)

	// Must not panic or block.
	bridge.Deliver(event("ghost", 1))
}

func TestBridgeClosesSlowConsumer(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	bridge := NewEventBridge(registry, nil)

	conn := NewConnection("conn-1", nil, 2)
	registry.Bind(conn, "alice")

	for seq := uint64(1); seq <= 3; seq++ {
		bridge.Deliver(event("alice", seq))
	}

	select {
	case <-conn.Done():
	default:
		t.Error("overflowing connection was not closed")
	}
}

func TestBridgePreservesOrderPerConnection(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	bridge := NewEventBridge(registry, nil)

	conn := NewConnection("conn-1", nil, 64)
	registry.Bind(conn, "alice")

	for seq := uint64(1); seq <= 50; seq++ {
		bridge.Deliver(event("alice", seq))
	}

	frames := drainFrames(t, conn)
	if len(frames) != 50 {
		t.Fatalf("got %d frames, want 50", len(frames))
	}
	for i, ev := range frames {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("frame %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestBridgeIsolationUnderConcurrentLoad(t *testing.T) {
	const users = 100
	const perUser = 50

	registry := NewConnectionRegistry(nil)
	bridge := NewEventBridge(registry, nil)

	conns := make([]*Connection, users)
	for i := range conns {
		conns[i] = NewConnection(fmt.Sprintf("conn-%d", i), nil, perUser)
		registry.Bind(conns[i], fmt.Sprintf("user-%d", i))
	}

	// Each user's event stream is emitted from its own goroutine, the way
	// independent executions emit concurrently in production.
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", n)
			for seq := uint64(1); seq <= perUser; seq++ {
				bridge.Deliver(event(userID, seq))
			}
		}(i)
	}
	wg.Wait()

	for i, conn := range conns {
		userID := fmt.Sprintf("user-%d", i)
		frames := drainFrames(t, conn)
		if len(frames) != perUser {
			t.Fatalf("%s got %d frames, want %d", userID, len(frames), perUser)
		}
		for j, ev := range frames {
			if ev.UserID != userID {
				t.Fatalf("%s received event for %s", userID, ev.UserID)
			}
			if ev.Sequence != uint64(j+1) {
				t.Fatalf("%s frame %d has sequence %d", userID, j, ev.Sequence)
			}
		}
	}
}
