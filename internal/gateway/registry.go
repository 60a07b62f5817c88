package gateway

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/haasonsaas/switchboard/internal/observability"
)

const registryShards = 32

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Connection // userID -> connID -> conn
}

// ConnectionRegistry maps users to their live connections. The user-to-
// connection mapping is the sole routing key for event delivery; nothing
// else in the gateway decides where an event goes. Shards keep unrelated
// users off each other's locks.
type ConnectionRegistry struct {
	shards [registryShards]*registryShard

	ownerMu sync.RWMutex
	owners  map[string]string // connID -> userID

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry(logger *slog.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ConnectionRegistry{
		owners: make(map[string]string),
		logger: logger,
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{conns: make(map[string]map[string]*Connection)}
	}
	return r
}

// WithMetrics attaches gateway metrics.
func (r *ConnectionRegistry) WithMetrics(m *observability.Metrics) *ConnectionRegistry {
	r.metrics = m
	return r
}

func (r *ConnectionRegistry) shard(userID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%registryShards]
}

// Bind associates conn with userID. A connection already bound to a
// different user is moved: the old binding is removed first so no event can
// route to it under the stale user.
func (r *ConnectionRegistry) Bind(conn *Connection, userID string) {
	r.ownerMu.Lock()
	prev, rebound := r.owners[conn.ID]
	if rebound && prev == userID {
		r.ownerMu.Unlock()
		return
	}
	r.owners[conn.ID] = userID
	r.ownerMu.Unlock()

	if rebound {
		r.logger.Warn("connection re-bound to different user",
			"connection_id", conn.ID,
			"previous_user", prev,
			"user_id", userID,
		)
		r.unbind(conn.ID, prev)
	}

	conn.bindUser(userID)

	s := r.shard(userID)
	s.mu.Lock()
	if s.conns[userID] == nil {
		s.conns[userID] = make(map[string]*Connection)
	}
	s.conns[userID][conn.ID] = conn
	s.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectedUsers.Set(float64(r.UserCount()))
	}
	r.logger.Info("connection bound", "connection_id", conn.ID, "user_id", userID)
}

// Remove drops conn from the registry. Safe to call for connections that
// never bound.
func (r *ConnectionRegistry) Remove(conn *Connection) {
	r.ownerMu.Lock()
	userID, ok := r.owners[conn.ID]
	delete(r.owners, conn.ID)
	r.ownerMu.Unlock()
	if !ok {
		return
	}
	r.unbind(conn.ID, userID)
	if r.metrics != nil {
		r.metrics.ConnectedUsers.Set(float64(r.UserCount()))
	}
	r.logger.Info("connection removed", "connection_id", conn.ID, "user_id", userID)
}

func (r *ConnectionRegistry) unbind(connID, userID string) {
	s := r.shard(userID)
	s.mu.Lock()
	if conns := s.conns[userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.conns, userID)
		}
	}
	s.mu.Unlock()
}

// Connections returns the live connections bound to userID.
func (r *ConnectionRegistry) Connections(userID string) []*Connection {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Connection, 0, len(s.conns[userID]))
	for _, conn := range s.conns[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// Owner returns the user a connection is bound to, if any.
func (r *ConnectionRegistry) Owner(connID string) (string, bool) {
	r.ownerMu.RLock()
	defer r.ownerMu.RUnlock()
	userID, ok := r.owners[connID]
	return userID, ok
}

// UserCount returns how many users have at least one live connection.
func (r *ConnectionRegistry) UserCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}

// ConnectionCount returns the number of bound connections.
func (r *ConnectionRegistry) ConnectionCount() int {
	r.ownerMu.RLock()
	defer r.ownerMu.RUnlock()
	return len(r.owners)
}
