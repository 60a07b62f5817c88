package gateway

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistryBindAndLookup(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	conn := NewConnection("conn-1", nil, 8)

	registry.Bind(conn, "user-1")
	if got := conn.UserID(); got != "user-1" {
		t.Errorf("conn user = %q", got)
	}

	conns := registry.Connections("user-1")
	if len(conns) != 1 || conns[0].ID != "conn-1" {
		t.Fatalf("connections = %v", conns)
	}
	if owner, ok := registry.Owner("conn-1"); !ok || owner != "user-1" {
		t.Errorf("owner = %q, %v", owner, ok)
	}
	if got := registry.Connections("user-2"); len(got) != 0 {
		t.Errorf("unrelated user sees %d connections", len(got))
	}
}

func TestRegistryMultipleConnectionsPerUser(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	registry.Bind(NewConnection("conn-1", nil, 8), "user-1")
	registry.Bind(NewConnection("conn-2", nil, 8), "user-1")

	if got := len(registry.Connections("user-1")); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
	if got := registry.UserCount(); got != 1 {
		t.Errorf("users = %d, want 1", got)
	}
	if got := registry.ConnectionCount(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
}

func TestRegistryRemove(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	conn := NewConnection("conn-1", nil, 8)
	registry.Bind(conn, "user-1")
	registry.Remove(conn)

	if got := len(registry.Connections("user-1")); got != 0 {
		t.Errorf("connections after remove = %d", got)
	}
	if _, ok := registry.Owner("conn-1"); ok {
		t.Error("owner index kept removed connection")
	}
	// Removing twice is harmless.
	registry.Remove(conn)
}

func TestRegistryRebindMovesConnection(t *testing.T) {
	registry := NewConnectionRegistry(nil)
	conn := NewConnection("conn-1", nil, 8)
	registry.Bind(conn, "user-1")
	registry.Bind(conn, "user-2")

	if got := len(registry.Connections("user-1")); got != 0 {
		t.Errorf("old user still owns %d connections", got)
	}
	if got := len(registry.Connections("user-2")); got != 1 {
		t.Errorf("new user owns %d connections, want 1", got)
	}
	if got := conn.UserID(); got != "user-2" {
		t.Errorf("conn user = %q", got)
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	registry := NewConnectionRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", n%4)
			for j := 0; j < 100; j++ {
				conn := NewConnection(fmt.Sprintf("conn-%d-%d", n, j), nil, 1)
				registry.Bind(conn, userID)
				if len(registry.Connections(userID)) == 0 {
					t.Errorf("bound connection invisible for %s", userID)
					return
				}
				registry.Remove(conn)
			}
		}(i)
	}
	wg.Wait()

	if got := registry.ConnectionCount(); got != 0 {
		t.Errorf("%d connections leaked", got)
	}
}
