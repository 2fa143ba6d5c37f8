// Package session owns the set of live calls: one engine goroutine per call,
// fed by telephony events, plus startup recovery and retention sweeps.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/portero/core/checkpoint"
	"github.com/davidahmann/portero/core/engine"
	"github.com/davidahmann/portero/core/logx"
	"github.com/davidahmann/portero/core/notify"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

var (
	ErrCallActive   = errors.New("call already active")
	ErrCallNotFound = errors.New("call not active")
	ErrBackpressure = errors.New("utterance buffer full")
	ErrClosed       = errors.New("session manager closed")
)

// UnknownTenant labels calls recovered from records too damaged to name
// their tenant.
const UnknownTenant = "unknown"

const (
	defaultUtteranceBuffer = 16
	defaultRetryAttempts   = 5
	defaultRetryDelay      = 500 * time.Millisecond
	maxRetryDelay          = 8 * time.Second
)

type Options struct {
	Engine *engine.Engine
	Store  checkpoint.Store
	// Inbox is pruned by Sweep when set.
	Inbox           *notify.Inbox
	Logger          *slog.Logger
	UtteranceBuffer int
	Retention       time.Duration
	InboxMaxAge     time.Duration
	// RetryAttempts bounds how often a run that stopped on an error (a
	// checkpoint store outage) is resumed in-process; RetryDelay is the
	// first backoff and doubles per attempt.
	RetryAttempts int
	RetryDelay    time.Duration
	Now           func() time.Time
}

// Result is the terminal outcome of one call run.
type Result struct {
	Call  access.CallContext
	State access.AuthorizationState
	Err   error
}

type Manager struct {
	engine      *engine.Engine
	store       checkpoint.Store
	inbox       *notify.Inbox
	logger      *slog.Logger
	buffer      int
	retention   time.Duration
	inboxMaxAge time.Duration
	retries     int
	retryDelay  time.Duration
	now         func() time.Time

	mu       sync.Mutex
	calls    map[string]*liveCall
	results  map[string]Result
	closed   bool
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

type liveCall struct {
	call       access.CallContext
	utterances chan string
	hangUp     context.CancelFunc
	done       chan struct{}
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("session: engine is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session: checkpoint store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.Discard()
	}
	buffer := opts.UtteranceBuffer
	if buffer <= 0 {
		buffer = defaultUtteranceBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retries := opts.RetryAttempts
	if retries == 0 {
		retries = defaultRetryAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &Manager{
		engine:      opts.Engine,
		store:       opts.Store,
		inbox:       opts.Inbox,
		logger:      logger,
		buffer:      buffer,
		retention:   opts.Retention,
		inboxMaxAge: opts.InboxMaxAge,
		retries:     retries,
		retryDelay:  retryDelay,
		now:         now,
		calls:       map[string]*liveCall{},
		results:     map[string]Result{},
		quit:        make(chan struct{}),
	}, nil
}

// CallStarted launches the engine for a new call. The call outlives ctx;
// only CallEnded hangs it up.
func (m *Manager) CallStarted(ctx context.Context, call access.CallContext) error {
	call.TenantID = strings.TrimSpace(call.TenantID)
	call.CallID = strings.TrimSpace(call.CallID)
	if call.TenantID == "" || call.CallID == "" {
		return fmt.Errorf("call started: tenant_id and call_id are required")
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = m.now().UTC()
	}
	return m.launch(ctx, call, func(runCtx context.Context, utterances <-chan string) (access.AuthorizationState, error) {
		return m.engine.Start(runCtx, call, utterances)
	})
}

// UtteranceReceived hands caller speech to a live call without blocking.
func (m *Manager) UtteranceReceived(callID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.calls[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	select {
	case live.utterances <- text:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBackpressure, callID)
	}
}

// CallEnded is a hang-up. The call is still decided and logged.
func (m *Manager) CallEnded(callID string) error {
	m.mu.Lock()
	live, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	live.hangUp()
	return nil
}

// Wait blocks until the call finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, callID string) (Result, error) {
	m.mu.Lock()
	live, ok := m.calls[callID]
	result, finished := m.results[callID]
	m.mu.Unlock()
	if finished && !ok {
		return result, nil
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	select {
	case <-live.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[callID], nil
}

// Active lists live call ids in order.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.calls))
	for callID := range m.calls {
		ids = append(ids, callID)
	}
	sort.Strings(ids)
	return ids
}

// Recover resumes every unfinished call found in the store. Records that
// cannot be decoded are quarantined and their calls end as errors.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	records, err := m.store.ListActive(ctx)
	corrupt := checkpoint.CorruptCallIDs(err)
	if err != nil && len(corrupt) == 0 {
		return 0, fmt.Errorf("list active checkpoints: %w", err)
	}
	recovered := 0
	for _, record := range records {
		if err := m.launch(ctx, record.State.Call, func(runCtx context.Context, utterances <-chan string) (access.AuthorizationState, error) {
			return m.engine.Resume(runCtx, record, utterances)
		}); err != nil {
			m.logger.Warn("skip recovery", slog.String("call_id", record.CallID), slog.String("error", err.Error()))
			continue
		}
		recovered++
	}
	for _, callID := range corrupt {
		call := access.CallContext{TenantID: UnknownTenant, CallID: callID, StartedAt: m.now().UTC()}
		cause := err
		if launchErr := m.launch(ctx, call, func(runCtx context.Context, _ <-chan string) (access.AuthorizationState, error) {
			return m.engine.RecoverCorrupt(runCtx, call, cause)
		}); launchErr != nil {
			m.logger.Warn("skip corrupt recovery", slog.String("call_id", callID), slog.String("error", launchErr.Error()))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovering calls", slog.Int("count", recovered), slog.Int("corrupt", len(corrupt)))
	}
	return recovered, nil
}

// Sweep drops finalized checkpoints older than the retention window, stale
// reply mailboxes and the results of finished calls.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	removed := 0
	if m.retention > 0 {
		count, err := m.store.Sweep(ctx, m.now().Add(-m.retention))
		if err != nil {
			return 0, fmt.Errorf("sweep checkpoints: %w", err)
		}
		removed = count
	}
	m.mu.Lock()
	clear(m.results)
	m.mu.Unlock()
	pruned := 0
	if m.inbox != nil && m.inboxMaxAge > 0 {
		pruned = m.inbox.Prune(m.inboxMaxAge)
	}
	if removed > 0 || pruned > 0 {
		m.logger.Info("sweep finished", slog.Int("checkpoints", removed), slog.Int("mailboxes", pruned))
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Shutdown refuses new calls and waits for live ones. Calls still running
// when ctx ends resume from their checkpoints on the next Recover.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.quitOnce.Do(func() { close(m.quit) })
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

func (m *Manager) launch(ctx context.Context, call access.CallContext, run func(context.Context, <-chan string) (access.AuthorizationState, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, exists := m.calls[call.CallID]; exists {
		return fmt.Errorf("%w: %s", ErrCallActive, call.CallID)
	}
	runCtx, hangUp := context.WithCancel(context.WithoutCancel(ctx))
	live := &liveCall{
		call:       call,
		utterances: make(chan string, m.buffer),
		hangUp:     hangUp,
		done:       make(chan struct{}),
	}
	m.calls[call.CallID] = live
	delete(m.results, call.CallID)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer hangUp()
		logger := logx.ForCall(m.logger, call)
		state, err := run(runCtx, live.utterances)
		for attempt := 1; err != nil && m.awaitRetry(attempt); attempt++ {
			logger.Warn("resuming failed call",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			state, err = m.engine.Start(runCtx, call, live.utterances)
		}
		if err != nil {
			logger.Error("call run failed", slog.String("error", err.Error()))
		}
		m.mu.Lock()
		delete(m.calls, call.CallID)
		m.results[call.CallID] = Result{Call: call, State: state, Err: err}
		m.mu.Unlock()
		close(live.done)
	}()
	return nil
}

// awaitRetry sleeps before retry attempt n and reports whether to go ahead.
// A hang-up does not stop retries: the call still has to be logged. Shutdown
// does, and leaves the call to Recover.
func (m *Manager) awaitRetry(attempt int) bool {
	if m.retries < 0 || attempt > m.retries {
		return false
	}
	delay := m.retryDelay << (attempt - 1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.quit:
		return false
	}
}
