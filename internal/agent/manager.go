package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/pkg/models"
)

var (
	// ErrAgentUnknown indicates a request named an agent with no
	// registered planner.
	ErrAgentUnknown = errors.New("unknown agent")

	// ErrTooManyExecutions indicates the per-user in-flight cap was hit.
	ErrTooManyExecutions = errors.New("too many concurrent executions")

	// ErrManagerClosed indicates the manager is shutting down.
	ErrManagerClosed = errors.New("execution manager closed")
)

// ManagerConfig bounds execution concurrency and idempotency tracking.
type ManagerConfig struct {
	// MaxConcurrent caps in-flight executions across all users.
	// Default: 64.
	MaxConcurrent int64

	// MaxPerUser caps in-flight executions for a single user.
	// Default: 4.
	MaxPerUser int

	// DefaultMaxExecTime bounds an execution's total wall time when the
	// request does not specify one. Default: 5 minutes.
	DefaultMaxExecTime time.Duration

	// IdempotencyWindow is how long a completed request's idempotency key
	// suppresses duplicates. Default: 10 minutes.
	IdempotencyWindow time.Duration
}

// DefaultManagerConfig returns sensible manager defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent:      64,
		MaxPerUser:         4,
		DefaultMaxExecTime: 5 * time.Minute,
		IdempotencyWindow:  10 * time.Minute,
	}
}

// StartRequest describes one execution to launch.
type StartRequest struct {
	UserID         string
	ThreadID       string
	RunID          string
	AgentName      string
	Message        string
	Tools          []string
	Metadata       map[string]string
	IdempotencyKey string
	MaxExecTime    time.Duration
}

type inflight struct {
	exec   *models.AgentExecution
	cancel context.CancelFunc
}

type idempotencyEntry struct {
	executionID string
	storedAt    time.Time
}

// ExecutionManager owns the lifecycle of every in-flight execution: it
// builds contexts, enforces concurrency caps, deduplicates by idempotency
// key, runs executions on background goroutines, and cancels them on
// request or shutdown.
type ExecutionManager struct {
	factory *ContextFactory
	runner  *Runner
	config  ManagerConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	planners    map[string]PlannerFactory
	running     map[string]inflight
	byUser      map[string]map[string]struct{}
	idempotency map[string]idempotencyEntry
}

// NewExecutionManager creates a manager over the given runner.
func NewExecutionManager(factory *ContextFactory, runner *Runner, config ManagerConfig, logger *slog.Logger) *ExecutionManager {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 64
	}
	if config.MaxPerUser <= 0 {
		config.MaxPerUser = 4
	}
	if config.DefaultMaxExecTime <= 0 {
		config.DefaultMaxExecTime = 5 * time.Minute
	}
	if config.IdempotencyWindow <= 0 {
		config.IdempotencyWindow = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionManager{
		factory:     factory,
		runner:      runner,
		config:      config,
		logger:      logger,
		sem:         semaphore.NewWeighted(config.MaxConcurrent),
		planners:    make(map[string]PlannerFactory),
		running:     make(map[string]inflight),
		byUser:      make(map[string]map[string]struct{}),
		idempotency: make(map[string]idempotencyEntry),
	}
}

// WithMetrics attaches pipeline metrics.
func (m *ExecutionManager) WithMetrics(metrics *observability.Metrics) *ExecutionManager {
	m.metrics = metrics
	return m
}

// RegisterPlanner binds an agent name to a planner factory. The factory is
// invoked once per execution so planners never share state across users.
func (m *ExecutionManager) RegisterPlanner(agentName string, factory PlannerFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planners[agentName] = factory
}

// Agents lists the registered agent names.
func (m *ExecutionManager) Agents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.planners))
	for name := range m.planners {
		names = append(names, name)
	}
	return names
}

// Start launches an execution and returns its ID without waiting for it to
// finish. Critical events flow to sink as the execution progresses. A
// duplicate idempotency key within the window returns the original
// execution's ID and launches nothing.
func (m *ExecutionManager) Start(ctx context.Context, req StartRequest, sink EventSink) (string, error) {
	execCtx, err := m.factory.Create(req.UserID, req.ThreadID, req.RunID, req.Metadata)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}

	if req.IdempotencyKey != "" {
		m.sweepIdempotencyLocked()
		key := execCtx.UserID + "\x00" + req.IdempotencyKey
		if entry, ok := m.idempotency[key]; ok {
			m.mu.Unlock()
			m.logger.Debug("duplicate request suppressed",
				"user_id", execCtx.UserID,
				"execution_id", entry.executionID,
				"idempotency_key", req.IdempotencyKey,
			)
			return entry.executionID, nil
		}
	}

	plannerFactory, ok := m.planners[req.AgentName]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrAgentUnknown, req.AgentName)
	}
	if len(m.byUser[execCtx.UserID]) >= m.config.MaxPerUser {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ExecutionCounter.WithLabelValues(req.AgentName, "rejected").Inc()
		}
		return "", fmt.Errorf("%w: user %s has %d in flight", ErrTooManyExecutions, execCtx.UserID, m.config.MaxPerUser)
	}

	maxExecTime := req.MaxExecTime
	if maxExecTime <= 0 {
		maxExecTime = m.config.DefaultMaxExecTime
	}
	executionID := uuid.NewString()
	exec := models.NewAgentExecution(executionID, execCtx, req.AgentName, req.Message, req.Tools, maxExecTime)
	planner := plannerFactory(exec)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running[executionID] = inflight{exec: exec, cancel: cancel}
	if m.byUser[execCtx.UserID] == nil {
		m.byUser[execCtx.UserID] = make(map[string]struct{})
	}
	m.byUser[execCtx.UserID][executionID] = struct{}{}
	if req.IdempotencyKey != "" {
		key := execCtx.UserID + "\x00" + req.IdempotencyKey
		m.idempotency[key] = idempotencyEntry{executionID: executionID, storedAt: time.Now()}
	}
	m.mu.Unlock()

	if !m.sem.TryAcquire(1) {
		// The global cap is full; wait for a slot but keep the caller
		// unblocked.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.sem.Acquire(runCtx, 1); err != nil {
				// The caller was told execution_accepted, so the
				// queued execution still owes a terminal event.
				m.abort(exec, sink, fmt.Errorf("%w: %v", ErrExecutionCancelled, err))
				m.finish(executionID, execCtx.UserID)
				return
			}
			defer m.sem.Release(1)
			m.execute(runCtx, exec, planner, sink)
		}()
		return executionID, nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)
		m.execute(runCtx, exec, planner, sink)
	}()
	return executionID, nil
}

func (m *ExecutionManager) execute(ctx context.Context, exec *models.AgentExecution, planner Planner, sink EventSink) {
	defer m.finish(exec.ID, exec.Context.UserID)
	if _, err := m.runner.Run(ctx, exec, planner, sink); err != nil {
		m.logger.Debug("execution ended in error", "execution_id", exec.ID, "error", err)
	}
}

// abort drives an execution that never ran into ERROR so its owner still
// receives exactly one agent_completed.
func (m *ExecutionManager) abort(exec *models.AgentExecution, sink EventSink, cause error) {
	emitter := NewEventEmitter(exec.Context.UserID, exec.ID, sink)
	sm := NewStateMachine(exec, emitter, m.logger)
	if _, err := sm.Transition(models.StateError, TransitionMeta{
		Result:  UserSafeMessage(cause),
		Success: false,
	}); err != nil {
		m.logger.Error("abort transition rejected",
			"execution_id", exec.ID,
			"cause", cause,
			"error", err,
		)
	}
}

func (m *ExecutionManager) finish(executionID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inf, ok := m.running[executionID]; ok {
		inf.cancel()
		delete(m.running, executionID)
	}
	if ids := m.byUser[userID]; ids != nil {
		delete(ids, executionID)
		if len(ids) == 0 {
			delete(m.byUser, userID)
		}
	}
}

// Cancel requests cooperative cancellation of one execution. It reports
// whether the execution was in flight.
func (m *ExecutionManager) Cancel(executionID string) bool {
	m.mu.Lock()
	inf, ok := m.running[executionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.logger.Info("cancelling execution", "execution_id", executionID)
	inf.cancel()
	return true
}

// CancelUser cancels every in-flight execution owned by userID and returns
// how many were signalled.
func (m *ExecutionManager) CancelUser(userID string) int {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for id := range m.byUser[userID] {
		if inf, ok := m.running[id]; ok {
			cancels = append(cancels, inf.cancel)
		}
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// InFlight reports how many executions userID currently has running.
func (m *ExecutionManager) InFlight(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID])
}

// Shutdown cancels all executions and waits for their goroutines to drain
// or ctx to expire.
func (m *ExecutionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.running))
	for _, inf := range m.running {
		cancels = append(cancels, inf.cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ExecutionManager) sweepIdempotencyLocked() {
	cutoff := time.Now().Add(-m.config.IdempotencyWindow)
	for key, entry := range m.idempotency {
		if entry.storedAt.Before(cutoff) {
			delete(m.idempotency, key)
		}
	}
}
