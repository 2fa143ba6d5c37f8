package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davidahmann/portero/core/accesslog"
	"github.com/davidahmann/portero/core/checkpoint"
	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

// ErrCrashed stands in for a process that died: the engine stops at the
// first error and a fresh engine must resume from the store.
var ErrCrashed = errors.New("simulated crash")

// crash is not retryable so the engine gives up at once, as a dead
// process would.
func crash(format string, args ...any) error {
	return porterrors.Wrap(fmt.Errorf("%w: "+format, append([]any{ErrCrashed}, args...)...), porterrors.CategoryInternalFailure, "simulated_crash", "resume from the checkpoint store", false)
}

// Capture is one scripted identification answer.
type Capture struct {
	Result access.IdentificationResult
	Err    error
	Delay  time.Duration
}

// Identifier answers captures by kind and honours cancellation.
type Identifier struct {
	mu       sync.Mutex
	captures map[access.IdentificationKind]Capture
	calls    map[access.IdentificationKind]int
	canceled map[access.IdentificationKind]int
}

func NewIdentifier() *Identifier {
	return &Identifier{
		captures: make(map[access.IdentificationKind]Capture),
		calls:    make(map[access.IdentificationKind]int),
		canceled: make(map[access.IdentificationKind]int),
	}
}

func (f *Identifier) Set(kind access.IdentificationKind, capture Capture) *Identifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[kind] = capture
	return f
}

func (f *Identifier) Identify(ctx context.Context, kind access.IdentificationKind, _ string) (access.IdentificationResult, error) {
	f.mu.Lock()
	f.calls[kind]++
	capture, ok := f.captures[kind]
	f.mu.Unlock()
	if !ok {
		return access.IdentificationResult{}, ports.ErrNotFound
	}
	if capture.Delay > 0 {
		timer := time.NewTimer(capture.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			f.mu.Lock()
			f.canceled[kind]++
			f.mu.Unlock()
			return access.IdentificationResult{}, ctx.Err()
		}
	}
	if capture.Err != nil {
		return access.IdentificationResult{}, capture.Err
	}
	result := capture.Result
	result.Kind = kind
	if result.CapturedAt.IsZero() {
		result.CapturedAt = time.Now().UTC()
	}
	return result, nil
}

func (f *Identifier) Calls(kind access.IdentificationKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *Identifier) Canceled(kind access.IdentificationKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled[kind]
}

// Directory wraps a real directory and injects per-method failures.
type Directory struct {
	Inner ports.Directory

	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func NewDirectory(inner ports.Directory) *Directory {
	return &Directory{Inner: inner, fail: make(map[string]error), calls: make(map[string]int)}
}

// Fail makes method return err until cleared with a nil err.
func (d *Directory) Fail(method string, err error) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, method)
	} else {
		d.fail[method] = err
	}
	return d
}

func (d *Directory) Calls(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

func (d *Directory) enter(method string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[method]++
	return d.fail[method]
}

func (d *Directory) Protocol(ctx context.Context, tenantID string) (access.Protocol, error) {
	if err := d.enter("Protocol"); err != nil {
		return access.Protocol{}, err
	}
	return d.Inner.Protocol(ctx, tenantID)
}

func (d *Directory) LookupVehicle(ctx context.Context, tenantID, plate string) (ports.VehicleRecord, error) {
	if err := d.enter("LookupVehicle"); err != nil {
		return ports.VehicleRecord{}, err
	}
	return d.Inner.LookupVehicle(ctx, tenantID, plate)
}

func (d *Directory) LookupPreAuthorized(ctx context.Context, tenantID, documentID string) (ports.PreAuthRecord, error) {
	if err := d.enter("LookupPreAuthorized"); err != nil {
		return ports.PreAuthRecord{}, err
	}
	return d.Inner.LookupPreAuthorized(ctx, tenantID, documentID)
}

func (d *Directory) ConsumePreAuthorization(ctx context.Context, tenantID, preAuthorizationID, callID string, now time.Time) error {
	if err := d.enter("ConsumePreAuthorization"); err != nil {
		return err
	}
	return d.Inner.ConsumePreAuthorization(ctx, tenantID, preAuthorizationID, callID, now)
}

func (d *Directory) ResolveResident(ctx context.Context, tenantID string, visitor access.Visitor) (access.ResidentRef, error) {
	if err := d.enter("ResolveResident"); err != nil {
		return access.ResidentRef{}, err
	}
	return d.Inner.ResolveResident(ctx, tenantID, visitor)
}

// Notifier wraps a real notifier, counts calls and can refuse to notify.
type Notifier struct {
	Inner ports.Notifier

	mu        sync.Mutex
	notifyErr error
	awaitErr  error
	notifies  int
	awaits    int
	summaries []ports.VisitorSummary
	releases  []string
}

func NewNotifier(inner ports.Notifier) *Notifier {
	return &Notifier{Inner: inner}
}

func (n *Notifier) FailNotify(err error) *Notifier {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifyErr = err
	return n
}

func (n *Notifier) FailAwait(err error) *Notifier {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.awaitErr = err
	return n
}

func (n *Notifier) Notify(ctx context.Context, resident access.ResidentRef, summary ports.VisitorSummary) (ports.NotificationHandle, error) {
	n.mu.Lock()
	n.notifies++
	n.summaries = append(n.summaries, summary)
	err := n.notifyErr
	n.mu.Unlock()
	if err != nil {
		return ports.NotificationHandle{}, err
	}
	return n.Inner.Notify(ctx, resident, summary)
}

func (n *Notifier) AwaitReply(ctx context.Context, handle ports.NotificationHandle, deadline time.Time) (ports.Reply, error) {
	n.mu.Lock()
	n.awaits++
	err := n.awaitErr
	n.mu.Unlock()
	if err != nil {
		return "", err
	}
	return n.Inner.AwaitReply(ctx, handle, deadline)
}

// Release counts the release and passes it on when the wrapped notifier
// keeps per-handle state.
func (n *Notifier) Release(handle ports.NotificationHandle) {
	n.mu.Lock()
	n.releases = append(n.releases, handle.ID)
	n.mu.Unlock()
	if releaser, ok := n.Inner.(ports.Releaser); ok {
		releaser.Release(handle)
	}
}

func (n *Notifier) Releases() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.releases...)
}

func (n *Notifier) Notifies() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notifies
}

func (n *Notifier) Awaits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.awaits
}

func (n *Notifier) Summaries() []ports.VisitorSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ports.VisitorSummary(nil), n.summaries...)
}

// Actuator counts gate openings per call.
type Actuator struct {
	mu    sync.Mutex
	err   error
	delay time.Duration
	calls map[string]int
	keys  []string
}

func NewActuator() *Actuator {
	return &Actuator{calls: make(map[string]int)}
}

func (a *Actuator) Fail(err error) *Actuator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	return a
}

func (a *Actuator) Delay(delay time.Duration) *Actuator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = delay
	return a
}

func (a *Actuator) Actuate(ctx context.Context, tenantID, _ string, idempotencyKey string) error {
	a.mu.Lock()
	a.calls[tenantID+"/"+idempotencyKey]++
	a.keys = append(a.keys, idempotencyKey)
	err := a.err
	delay := a.delay
	a.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls reports Actuate invocations for a call id.
func (a *Actuator) Calls(tenantID, callID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[tenantID+"/"+callID]
}

func (a *Actuator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

// CrashStore wraps a store and dies at a chosen Save. With persist=true the
// fatal Save reaches the inner store first, like a process killed right
// after a durable write; otherwise the write is lost with the process.
type CrashStore struct {
	checkpoint.Store

	mu      sync.Mutex
	crashAt int
	persist bool
	saves   int
	crashed bool
}

func NewCrashStore(inner checkpoint.Store, crashAt int, persist bool) *CrashStore {
	return &CrashStore{Store: inner, crashAt: crashAt, persist: persist}
}

func (s *CrashStore) Save(ctx context.Context, state access.AuthorizationState) (access.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.crashed {
		return access.CheckpointRecord{}, crash("store is down")
	}
	s.saves++
	if s.crashAt > 0 && s.saves == s.crashAt {
		s.crashed = true
		if s.persist {
			if _, err := s.Store.Save(ctx, state); err != nil {
				return access.CheckpointRecord{}, err
			}
		}
		return access.CheckpointRecord{}, crash("at save %d (phase %s)", s.saves, state.Phase)
	}
	return s.Store.Save(ctx, state)
}

func (s *CrashStore) Finalize(ctx context.Context, callID string, now time.Time) error {
	s.mu.Lock()
	crashed := s.crashed
	s.mu.Unlock()
	if crashed {
		return crash("store is down")
	}
	return s.Store.Finalize(ctx, callID, now)
}

func (s *CrashStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *CrashStore) Crashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// ErrOutage is what a store that dropped off the network returns. It carries
// no category, so the engine treats it as retryable.
var ErrOutage = errors.New("dial tcp 10.0.0.7:5432: connect: connection refused")

// OutageStore wraps a store whose Save fails for a run of calls starting at
// the from-th Save and then comes back. With lostAck the failing Saves still
// reach the inner store, like a write whose acknowledgement was lost.
type OutageStore struct {
	checkpoint.Store

	mu       sync.Mutex
	from     int
	failures int
	lostAck  bool
	saves    int
	failed   int
}

func NewOutageStore(inner checkpoint.Store, from, failures int, lostAck bool) *OutageStore {
	return &OutageStore{Store: inner, from: from, failures: failures, lostAck: lostAck}
}

func (s *OutageStore) Save(ctx context.Context, state access.AuthorizationState) (access.CheckpointRecord, error) {
	s.mu.Lock()
	s.saves++
	down := s.saves >= s.from && s.saves < s.from+s.failures
	if down {
		s.failed++
	}
	s.mu.Unlock()
	if !down {
		return s.Store.Save(ctx, state)
	}
	if s.lostAck {
		if _, err := s.Store.Save(ctx, state); err != nil {
			return access.CheckpointRecord{}, err
		}
	}
	return access.CheckpointRecord{}, ErrOutage
}

// Failed reports how many Saves were refused.
func (s *OutageStore) Failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// CrashSink wraps a sink and dies once right after the first successful
// write, before the engine learns the record is durable.
type CrashSink struct {
	Inner accesslog.Sink

	mu     sync.Mutex
	crash  bool
	writes int
}

func NewCrashSink(inner accesslog.Sink, crash bool) *CrashSink {
	return &CrashSink{Inner: inner, crash: crash}
}

func (s *CrashSink) Write(ctx context.Context, record access.AccessLogRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	written, err := s.Inner.Write(ctx, record)
	if err != nil {
		return written, err
	}
	if s.crash {
		s.crash = false
		return false, crash("after log write")
	}
	return written, nil
}

func (s *CrashSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// MemorySink keeps the first record per call id.
type MemorySink struct {
	mu      sync.Mutex
	records map[string]access.AccessLogRecord
	order   []string
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]access.AccessLogRecord)}
}

func (s *MemorySink) Write(_ context.Context, record access.AccessLogRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.CallID]; ok {
		return false, nil
	}
	s.records[record.CallID] = record
	s.order = append(s.order, record.CallID)
	return true, nil
}

func (s *MemorySink) Record(callID string) (access.AccessLogRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[callID]
	return record, ok
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Recorder collects emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []access.Event
}

func (r *Recorder) Emit(_ context.Context, event access.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) Events() []access.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]access.Event(nil), r.events...)
}

// Texts returns the reply texts in order.
func (r *Recorder) Texts() []string {
	var texts []string
	for _, event := range r.Events() {
		if event.Type == access.EventReplyText {
			texts = append(texts, event.Text)
		}
	}
	return texts
}

// Actions returns the action kinds in order.
func (r *Recorder) Actions() []string {
	var kinds []string
	for _, event := range r.Events() {
		if event.Type == access.EventActionTaken {
			kinds = append(kinds, event.Kind)
		}
	}
	return kinds
}

// Alerts collects operator alerts.
type Alerts struct {
	mu   sync.Mutex
	errs []error
}

func (a *Alerts) Alert(_ context.Context, _ access.CallContext, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
}

func (a *Alerts) Errors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.errs...)
}
