package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/portero/core/accesslog"
	"github.com/davidahmann/portero/core/checkpoint"
	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/intake"
	"github.com/davidahmann/portero/core/logx"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
	"github.com/davidahmann/portero/core/telemetry"
)

const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond
)

// callRun is the in-process side of one call: the current state plus the
// contexts that bound it. Only one goroutine drives a run.
type callRun struct {
	engine     *Engine
	state      access.AuthorizationState
	logger     *slog.Logger
	utterances <-chan string

	hangup context.Context
	live   context.Context
	cancel context.CancelFunc

	// actuationVersion is the version this process saved when it began
	// actuation. A resumed actuating state never matches it.
	actuationVersion int64
	intakeDeadline   time.Time
	checkedDocuments map[string]bool
	resolvedVisitors map[access.Visitor]bool
	outcomeSent      bool
}

func (e *Engine) newRun(ctx context.Context, state access.AuthorizationState, utterances <-chan string) *callRun {
	live, cancel := context.WithDeadline(ctx, state.Call.StartedAt.Add(e.settings.CallCeiling))
	return &callRun{
		engine:           e,
		state:            state,
		logger:           logx.ForCall(e.logger, state.Call),
		utterances:       utterances,
		hangup:           ctx,
		live:             live,
		cancel:           cancel,
		actuationVersion: -1,
		checkedDocuments: make(map[string]bool),
		resolvedVisitors: make(map[access.Visitor]bool),
	}
}

func (r *callRun) close() {
	r.cancel()
}

// loop drives the call to done. A run that cannot go on (the store is down
// past its retries) still tells the caller something before it returns; the
// checkpoint lets a later run finish the call and write its log.
func (r *callRun) loop() (access.AuthorizationState, error) {
	state, err := r.drive()
	if err != nil {
		r.abandon(err)
	}
	return state, err
}

func (r *callRun) abandon(err error) {
	r.logger.Error("call suspended",
		slog.String("phase", string(r.state.Phase)),
		slog.Int64("version", r.state.Version),
		slog.String("error", err.Error()),
	)
	if r.outcomeSent {
		return
	}
	r.outcomeSent = true
	r.reply(context.WithoutCancel(r.hangup), r.engine.settings.Replies.TechnicalProblem)
}

func (r *callRun) drive() (access.AuthorizationState, error) {
	for {
		if r.undecided() {
			if r.live.Err() != nil {
				if err := r.apply(Forced{Reason: r.forcedReason()}); err != nil {
					return r.state, err
				}
				continue
			}
			if input, ok := r.nextUtterance(); ok {
				if err := r.apply(input); err != nil {
					return r.state, err
				}
				continue
			}
		}

		step := Plan(r.state)
		if step == StepFinalize {
			return r.state, r.finalize()
		}
		input, err := r.run(step)
		if err != nil {
			return r.state, err
		}
		if input == nil {
			continue
		}
		if err := r.apply(input); err != nil {
			return r.state, err
		}
		if _, ok := input.(ActuationBegun); ok {
			r.actuationVersion = r.state.Version
		}
	}
}

func (r *callRun) undecided() bool {
	return r.state.Phase.Rank() < access.PhaseDeciding.Rank()
}

func (r *callRun) forcedReason() string {
	if r.hangup.Err() != nil {
		return ReasonCallerHungUp
	}
	return ReasonCallCeiling
}

// run executes one planned step inside a span and returns the input it
// produced. A nil input with a nil error means the step changed nothing.
func (r *callRun) run(step Step) (Input, error) {
	parent := r.live
	if !r.undecided() {
		parent = context.WithoutCancel(r.live)
	}
	ctx, span := telemetry.Tracer().Start(parent, "engine."+string(step), trace.WithAttributes(
		attribute.String("portero.tenant_id", r.state.Call.TenantID),
		attribute.String("portero.call_id", r.state.Call.CallID),
		attribute.String("portero.phase", string(r.state.Phase)),
	))
	defer span.End()

	var (
		input Input
		err   error
	)
	switch step {
	case StepLoadProtocol:
		input = r.loadProtocol(ctx)
	case StepIdentify:
		input = r.identify(ctx)
	case StepAuthorizeVehicle:
		input = Authorized{Reason: ReasonVehicleMatch}
	case StepValidateVisitor:
		input = r.validateVisitor(ctx)
	case StepNotify:
		input = r.notify(ctx)
	case StepAwaitReply:
		input = r.awaitReply(ctx)
	case StepDecide:
		input = r.decide(ctx)
	case StepActuate:
		input = r.actuate(ctx)
	case StepWriteLog:
		input, err = r.writeLog(ctx)
	default:
		err = porterrors.InvalidState(fmt.Errorf("%w: no runner for step %s", ErrInvalidTransition, step), "engine_unknown_step")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("portero.input", InputName(input)))
	return input, nil
}

// apply transitions and persists. An invalid transition aborts the call
// with decision=error so it is still logged.
func (r *callRun) apply(input Input) error {
	now := r.engine.now()
	next, err := r.engine.machine.Transition(r.state, input, now)
	if err != nil {
		r.engine.alerter.Alert(context.WithoutCancel(r.hangup), r.state.Call, err)
		if _, aborting := input.(Aborted); aborting {
			return err
		}
		next, err = r.engine.machine.Transition(r.state, Aborted{Reason: ReasonInvalidState}, now)
		if err != nil {
			return err
		}
	}
	if err := r.save(next); err != nil {
		return err
	}
	previous := r.state
	r.state = next
	r.logger.Debug("transition",
		slog.String("input", InputName(input)),
		slog.String("from", string(previous.Phase)),
		slog.String("phase", string(next.Phase)),
		slog.Int64("version", next.Version),
	)
	if !previous.Decision.Terminal() && next.Decision.Terminal() {
		r.logger.Info("call decided",
			slog.String("phase", string(next.Phase)),
			slog.String("decision", string(next.Decision)),
			slog.String("reason_code", next.ReasonCode),
		)
	}
	return nil
}

// save persists synchronously; the state is not adopted until it is durable.
func (r *callRun) save(state access.AuthorizationState) error {
	err := r.persist(r.engine.settings.SaveTimeout, func(ctx context.Context) error {
		_, err := r.engine.store.Save(ctx, state)
		if errors.Is(err, checkpoint.ErrStaleVersion) && r.alreadyStored(ctx, state) {
			return nil
		}
		return err
	})
	if err != nil {
		r.logger.Error("checkpoint save failed",
			slog.String("phase", string(state.Phase)),
			slog.Int64("version", state.Version),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("save checkpoint %s v%d: %w", state.Call.CallID, state.Version, err)
	}
	return nil
}

// alreadyStored reports whether the store holds exactly this state, as it
// does when an earlier attempt landed but its acknowledgement was lost.
func (r *callRun) alreadyStored(ctx context.Context, state access.AuthorizationState) bool {
	stored, err := r.engine.store.Load(ctx, state.Call.CallID)
	if err != nil || stored.Finalized || stored.Version != state.Version {
		return false
	}
	expected, err := checkpoint.NewRecord(state, time.Time{})
	if err != nil {
		return false
	}
	return stored.Digest == expected.Digest
}

// persist retries retryable storage failures on a context detached from the
// caller so a hang-up never cancels a write.
func (r *callRun) persist(timeout time.Duration, call func(context.Context) error) error {
	base := context.WithoutCancel(r.hangup)
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(base, timeout)
		err = call(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, checkpoint.ErrStaleVersion) || errors.Is(err, accesslog.ErrNotTerminal) {
			return err
		}
		if category := porterrors.CategoryOf(err); category != "" && !porterrors.RetryableOf(err) {
			return err
		}
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * persistBackoff)
		}
	}
	return err
}

func (r *callRun) nextUtterance() (Input, bool) {
	if r.utterances == nil {
		return nil, false
	}
	for {
		select {
		case text, ok := <-r.utterances:
			if !ok {
				r.utterances = nil
				return nil, false
			}
			if input, changed := r.visitorUpdate(text); changed {
				return input, true
			}
		default:
			return nil, false
		}
	}
}

func (r *callRun) visitorUpdate(text string) (Input, bool) {
	hints := intake.Extract(text)
	if hints.Empty() {
		return nil, false
	}
	var current access.Visitor
	if r.state.Visitor != nil {
		current = *r.state.Visitor
	}
	merged := intake.Merge(current, hints)
	if merged == current {
		return nil, false
	}
	return VisitorUpdated{Visitor: merged}, true
}

func (r *callRun) loadProtocol(ctx context.Context) Input {
	tenantID := r.state.Call.TenantID
	protocol, err := ports.Bound(ctx, r.engine.settings.LookupDeadline, "directory_protocol", func(ctx context.Context) (access.Protocol, error) {
		return r.engine.directory.Protocol(ctx, tenantID)
	})
	switch {
	case err == nil:
		return ProtocolLoaded{Protocol: protocol}
	case r.live.Err() != nil:
		return Forced{Reason: r.forcedReason()}
	case errors.Is(err, ports.ErrNotFound):
		return PolicyDenied{Reason: ReasonUnknownTenant}
	default:
		r.portWarning("protocol lookup failed", err)
		return PolicyDenied{Reason: ReasonProtocolUnavailable}
	}
}

// identify runs the plate and document captures in parallel. A confident
// plate that matches an active vehicle cancels the document capture.
func (r *callRun) identify(ctx context.Context) Input {
	settings := r.engine.settings
	protocol := r.state.Protocol
	tenantID := r.state.Call.TenantID

	documentCtx, cancelDocument := context.WithCancel(ctx)
	defer cancelDocument()

	var (
		wg       sync.WaitGroup
		plate    *access.IdentificationResult
		vehicle  *ports.VehicleRecord
		document *access.IdentificationResult
	)
	if protocol.PlateSource != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := ports.Bound(ctx, settings.PlateDeadline, "identify_plate", func(ctx context.Context) (access.IdentificationResult, error) {
				return r.engine.identifier.Identify(ctx, access.KindVehiclePlate, protocol.PlateSource)
			})
			if err != nil {
				r.portWarning("plate capture failed", err)
				return
			}
			plate = &result
			if !Confident(plate, settings.ConfidenceThreshold) {
				return
			}
			record, err := ports.Bound(ctx, settings.LookupDeadline, "lookup_vehicle", func(ctx context.Context) (ports.VehicleRecord, error) {
				return r.engine.directory.LookupVehicle(ctx, tenantID, result.RawValue)
			})
			if err != nil {
				if !errors.Is(err, ports.ErrNotFound) {
					r.portWarning("vehicle lookup failed", err)
				}
				return
			}
			vehicle = &record
			if VehicleMatch(plate, vehicle, settings.ConfidenceThreshold) {
				cancelDocument()
			}
		}()
	}
	if protocol.DocumentSource != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := ports.Bound(documentCtx, settings.DocumentDeadline, "identify_document", func(ctx context.Context) (access.IdentificationResult, error) {
				return r.engine.identifier.Identify(ctx, access.KindIdentityDocument, protocol.DocumentSource)
			})
			if err != nil {
				if documentCtx.Err() == nil {
					r.portWarning("document capture failed", err)
				}
				return
			}
			document = &result
		}()
	}
	wg.Wait()

	if r.live.Err() != nil {
		return Forced{Reason: r.forcedReason()}
	}
	return Identified{Plate: plate, Document: document, Vehicle: vehicle}
}

// validateVisitor tries the pre-authorization and delivery paths, then
// looks for a resident to escalate to. With nothing to go on it waits for
// the caller to say more, up to the intake window.
func (r *callRun) validateVisitor(ctx context.Context) Input {
	settings := r.engine.settings
	if input := r.checkPreAuthorization(ctx); input != nil {
		return input
	}
	if DeliveryOverride(r.state.Visitor, r.state.Protocol) {
		return Authorized{Reason: ReasonDeliveryPolicy}
	}
	if input := r.resolveResident(ctx); input != nil {
		return input
	}

	if r.intakeDeadline.IsZero() {
		r.intakeDeadline = r.engine.now().Add(settings.IntakeWait)
	}
	wait := r.intakeDeadline.Sub(r.engine.now())
	if wait <= 0 || r.utterances == nil {
		return PolicyDenied{Reason: ReasonNoResident}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case text, ok := <-r.utterances:
			if !ok {
				r.utterances = nil
				return PolicyDenied{Reason: ReasonNoResident}
			}
			if input, changed := r.visitorUpdate(text); changed {
				return input
			}
		case <-timer.C:
			return PolicyDenied{Reason: ReasonNoResident}
		case <-ctx.Done():
			return Forced{Reason: r.forcedReason()}
		}
	}
}

func (r *callRun) checkPreAuthorization(ctx context.Context) Input {
	settings := r.engine.settings
	tenantID := r.state.Call.TenantID
	callID := r.state.Call.CallID
	documentID := DocumentForLookup(r.state, settings.ConfidenceThreshold)
	if documentID == "" || r.checkedDocuments[documentID] {
		return nil
	}
	r.checkedDocuments[documentID] = true

	record, err := ports.Bound(ctx, settings.LookupDeadline, "lookup_pre_authorized", func(ctx context.Context) (ports.PreAuthRecord, error) {
		return r.engine.directory.LookupPreAuthorized(ctx, tenantID, documentID)
	})
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) {
			r.portWarning("pre-authorization lookup failed", err)
		}
		return nil
	}
	now := r.engine.now()
	if !PreAuthorizationMatch(record, now, callID) {
		return nil
	}
	if record.SingleUse {
		_, err := ports.Bound(ctx, settings.LookupDeadline, "consume_pre_authorization", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.engine.directory.ConsumePreAuthorization(ctx, tenantID, record.PreAuthorizationID, callID, now)
		})
		if err != nil {
			r.portWarning("pre-authorization not consumed", err)
			return nil
		}
	}
	return Authorized{Reason: ReasonPreAuthorization, PreAuthorizationID: record.PreAuthorizationID}
}

func (r *callRun) resolveResident(ctx context.Context) Input {
	if r.state.Visitor == nil {
		return nil
	}
	visitor := *r.state.Visitor
	if visitor.UnitHint == "" && visitor.Name == "" {
		return nil
	}
	if r.resolvedVisitors[visitor] {
		return nil
	}
	r.resolvedVisitors[visitor] = true
	tenantID := r.state.Call.TenantID
	resident, err := ports.Bound(ctx, r.engine.settings.LookupDeadline, "resolve_resident", func(ctx context.Context) (access.ResidentRef, error) {
		return r.engine.directory.ResolveResident(ctx, tenantID, visitor)
	})
	switch {
	case err == nil:
		return Escalate{Resident: resident}
	case errors.Is(err, ports.ErrNotFound):
		return nil
	case r.live.Err() != nil:
		return Forced{Reason: r.forcedReason()}
	default:
		r.portWarning("resident lookup failed", err)
		return Forced{Reason: ReasonDirectoryDown}
	}
}

func (r *callRun) notify(ctx context.Context) Input {
	settings := r.engine.settings
	resident := *r.state.ResidentRef
	summary := Summary(r.state)
	handle, err := ports.Bound(ctx, settings.NotifyDeadline, "notify_resident", func(ctx context.Context) (ports.NotificationHandle, error) {
		return r.engine.notifier.Notify(ctx, resident, summary)
	})
	if err != nil {
		if r.live.Err() != nil {
			return Forced{Reason: r.forcedReason()}
		}
		r.portWarning("resident notification failed", err)
		return NotifyUnavailable{}
	}
	sentAt := handle.SentAt
	if sentAt.IsZero() {
		sentAt = r.engine.now()
	}
	r.engine.emit(ctx, r.state.Call.CallID, access.EventActionTaken, access.ActionNotifySent)
	r.reply(ctx, settings.Replies.PleaseWait)
	return Notified{
		Handle:   handle.ID,
		SentAt:   sentAt,
		Deadline: sentAt.Add(ReplyWindow(r.state.Protocol, settings.DefaultMaxWait)),
	}
}

// awaitReply suspends until the resident answers or the reply deadline
// passes. The wait is bounded even if the notifier ignores its deadline.
func (r *callRun) awaitReply(ctx context.Context) Input {
	settings := r.engine.settings
	notification := *r.state.Notification
	handle := ports.NotificationHandle{
		ID:         notification.Handle,
		ResidentID: r.state.ResidentRef.ResidentID,
		SentAt:     notification.SentAt,
	}
	bound := notification.Deadline.Sub(r.engine.now())
	if bound < 0 {
		bound = 0
	}
	bound += settings.AwaitSlack
	reply, err := ports.Bound(ctx, bound, "await_reply", func(ctx context.Context) (ports.Reply, error) {
		return r.engine.notifier.AwaitReply(ctx, handle, notification.Deadline)
	})
	if err != nil {
		if r.live.Err() != nil {
			return Forced{Reason: r.forcedReason()}
		}
		r.portWarning("await reply failed", err)
		return ReplyReceived{Reply: ports.ReplyNone}
	}
	return ReplyReceived{Reply: reply}
}

func (r *callRun) decide(ctx context.Context) Input {
	if r.state.Decision.Grants() {
		return ActuationBegun{}
	}
	r.engine.emit(ctx, r.state.Call.CallID, access.EventActionTaken, access.ActionAccessDenied)
	return ActuationSkipped{}
}

// actuate opens the gate once. A resumed actuating state means an earlier
// process may already have opened it, so the gate is not driven again.
func (r *callRun) actuate(ctx context.Context) Input {
	callID := r.state.Call.CallID
	if r.state.Version != r.actuationVersion {
		r.logger.Warn("actuation outcome unknown after restart; not actuating again",
			slog.String("phase", string(r.state.Phase)),
		)
		r.engine.emit(ctx, callID, access.EventActionTaken, access.ActionGateFailed)
		return ActuationFinished{}
	}
	tenantID := r.state.Call.TenantID
	method := r.state.Protocol.GateMethod
	_, err := ports.Bound(ctx, r.engine.settings.ActuationTimeout, "actuate_gate", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.engine.actuator.Actuate(ctx, tenantID, method, callID)
	})
	if err != nil {
		r.portWarning("gate actuation failed", err)
		r.engine.emit(ctx, callID, access.EventActionTaken, access.ActionGateFailed)
		return ActuationFinished{Failure: string(porterrors.CategoryOf(err))}
	}
	r.logger.Info("gate opened", slog.String("phase", string(r.state.Phase)))
	r.engine.emit(ctx, callID, access.EventActionTaken, access.ActionGateOpened)
	return ActuationFinished{Opened: true}
}

// writeLog writes the terminal record. The sink ignores a second record for
// the same call, so a write reissued after a crash is harmless.
func (r *callRun) writeLog(ctx context.Context) (Input, error) {
	if !r.outcomeSent {
		r.outcomeSent = true
		r.reply(ctx, OutcomeText(r.state, r.engine.settings.Replies))
	}
	record, err := accesslog.BuildRecord(r.state, r.engine.now())
	if err != nil {
		return nil, porterrors.InvalidState(err, "engine_log_record_invalid")
	}
	var written bool
	err = r.persist(r.engine.settings.LogTimeout, func(logCtx context.Context) error {
		var writeErr error
		written, writeErr = r.engine.log.Write(trace.ContextWithSpan(logCtx, trace.SpanFromContext(ctx)), record)
		return writeErr
	})
	if err != nil {
		r.logger.Error("access log write failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("write access log %s: %w", r.state.Call.CallID, err)
	}
	if !written {
		r.logger.Info("access log already holds this call", slog.String("phase", string(r.state.Phase)))
	}
	r.engine.emit(ctx, r.state.Call.CallID, access.EventActionTaken, access.ActionCallLogged)
	return LogWritten{}, nil
}

func (r *callRun) finalize() error {
	callID := r.state.Call.CallID
	err := r.persist(r.engine.settings.SaveTimeout, func(ctx context.Context) error {
		return r.engine.store.Finalize(ctx, callID, r.engine.now())
	})
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("finalize checkpoint %s: %w", callID, err)
	}
	r.releaseNotification()
	r.logger.Info("call finished",
		slog.String("decision", string(r.state.Decision)),
		slog.Bool("gate_opened", r.state.GateActionTaken),
		slog.Int64("version", r.state.Version),
	)
	return nil
}

// releaseNotification drops the resident's reply slot once the call is
// final; a late answer then finds nothing to route to.
func (r *callRun) releaseNotification() {
	notification := r.state.Notification
	if notification == nil {
		return
	}
	releaser, ok := r.engine.notifier.(ports.Releaser)
	if !ok {
		return
	}
	handle := ports.NotificationHandle{ID: notification.Handle, SentAt: notification.SentAt}
	if r.state.ResidentRef != nil {
		handle.ResidentID = r.state.ResidentRef.ResidentID
	}
	releaser.Release(handle)
}

func (r *callRun) reply(ctx context.Context, text string) {
	if text == "" {
		return
	}
	r.engine.emit(ctx, r.state.Call.CallID, access.EventReplyText, text)
}

func (r *callRun) portWarning(message string, err error) {
	r.logger.Warn(message,
		slog.String("phase", string(r.state.Phase)),
		slog.String("category", string(porterrors.CategoryOf(err))),
		slog.String("code", porterrors.CodeOf(err)),
		slog.String("error", err.Error()),
	)
}
