// Package engine drives one gate call from first contact to a logged,
// irrevocable decision. The state machine is pure; the runner performs the
// port calls it plans and persists every transition before moving on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/portero/core/accesslog"
	"github.com/davidahmann/portero/core/checkpoint"
	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/logx"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

// Emitter receives the events the voice interface consumes.
type Emitter interface {
	Emit(ctx context.Context, event access.Event)
}

// Alerter is told about calls that ended in decision=error.
type Alerter interface {
	Alert(ctx context.Context, call access.CallContext, err error)
}

// LogAlerter raises alerts as error records.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, call access.CallContext, err error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logx.ForCall(logger, call).ErrorContext(ctx, "operator alert",
		slog.String("category", string(porterrors.CategoryOf(err))),
		slog.String("code", porterrors.CodeOf(err)),
		slog.String("hint", porterrors.HintOf(err)),
		slog.String("error", err.Error()),
	)
}

type Options struct {
	Identifier ports.Identifier
	Directory  ports.Directory
	Notifier   ports.Notifier
	Actuator   ports.Actuator
	Store      checkpoint.Store
	Log        accesslog.Sink
	Emitter    Emitter
	Alerter    Alerter
	Logger     *slog.Logger
	Settings   Settings
	Now        func() time.Time
}

type Engine struct {
	identifier ports.Identifier
	directory  ports.Directory
	notifier   ports.Notifier
	actuator   ports.Actuator
	store      checkpoint.Store
	log        accesslog.Sink
	emitter    Emitter
	alerter    Alerter
	logger     *slog.Logger
	settings   Settings
	machine    Machine
	now        func() time.Time
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Identifier == nil:
		return nil, fmt.Errorf("engine: identifier port is required")
	case opts.Directory == nil:
		return nil, fmt.Errorf("engine: directory port is required")
	case opts.Notifier == nil:
		return nil, fmt.Errorf("engine: notifier port is required")
	case opts.Actuator == nil:
		return nil, fmt.Errorf("engine: actuator port is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("engine: checkpoint store is required")
	case opts.Log == nil:
		return nil, fmt.Errorf("engine: access log sink is required")
	}
	settings := opts.Settings
	if settings.ConfidenceThreshold <= 0 {
		settings = DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.Discard()
	}
	alerter := opts.Alerter
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		identifier: opts.Identifier,
		directory:  opts.Directory,
		notifier:   opts.Notifier,
		actuator:   opts.Actuator,
		store:      opts.Store,
		log:        opts.Log,
		emitter:    opts.Emitter,
		alerter:    alerter,
		logger:     logger,
		settings:   settings,
		machine:    Machine{Threshold: settings.ConfidenceThreshold},
		now:        now,
	}, nil
}

func (e *Engine) Settings() Settings {
	return e.settings
}

// Start runs a call to completion. Cancelling ctx is a hang-up: the call
// is still decided, actuated if granted, and logged. A call id that already
// has a checkpoint resumes instead of starting over.
func (e *Engine) Start(ctx context.Context, call access.CallContext, utterances <-chan string) (access.AuthorizationState, error) {
	if call.StartedAt.IsZero() {
		call.StartedAt = e.now()
	}
	call.StartedAt = call.StartedAt.UTC()
	record, err := e.store.Load(context.WithoutCancel(ctx), call.CallID)
	switch {
	case err == nil:
		return e.Resume(ctx, record, utterances)
	case porterrors.IsFatal(err):
		return e.RecoverCorrupt(ctx, call, err)
	case !errors.Is(err, checkpoint.ErrNotFound):
		e.emit(context.WithoutCancel(ctx), call.CallID, access.EventReplyText, e.settings.Replies.TechnicalProblem)
		return access.AuthorizationState{}, fmt.Errorf("load checkpoint %s: %w", call.CallID, err)
	}
	run := e.newRun(ctx, NewState(call, e.now()), utterances)
	defer run.close()
	run.reply(ctx, e.settings.Replies.Welcome)
	return run.loop()
}

// Resume continues a persisted call from its last saved phase.
func (e *Engine) Resume(ctx context.Context, record access.CheckpointRecord, utterances <-chan string) (access.AuthorizationState, error) {
	if record.Finalized {
		return record.State, nil
	}
	run := e.newRun(ctx, record.State, utterances)
	defer run.close()
	run.logger.InfoContext(ctx, "resuming call",
		slog.String("phase", string(record.State.Phase)),
		slog.Int64("version", record.Version),
	)
	return run.loop()
}

// RecoverCorrupt ends a call whose checkpoint cannot be decoded: the record
// is quarantined, the call is decided as error without actuation, logged
// and finalized, and an operator is alerted.
func (e *Engine) RecoverCorrupt(ctx context.Context, call access.CallContext, cause error) (access.AuthorizationState, error) {
	detached := context.WithoutCancel(ctx)
	if err := e.store.Quarantine(detached, call.CallID, e.now()); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return access.AuthorizationState{}, fmt.Errorf("quarantine checkpoint %s: %w", call.CallID, err)
	}
	if cause == nil {
		cause = porterrors.CheckpointCorrupt(fmt.Errorf("checkpoint for call %s is corrupt", call.CallID), "checkpoint_corrupt")
	}
	e.alerter.Alert(detached, call, cause)
	run := e.newRun(ctx, NewState(call, e.now()), nil)
	defer run.close()
	if err := run.apply(Aborted{Reason: ReasonCheckpointCorrupt}); err != nil {
		run.abandon(err)
		return run.state, err
	}
	return run.loop()
}

func (e *Engine) emit(ctx context.Context, callID, kind, value string) {
	if e.emitter == nil {
		return
	}
	event := access.Event{
		SchemaID:  access.EventSchemaID,
		EventID:   uuid.NewString(),
		CallID:    callID,
		Type:      kind,
		CreatedAt: e.now(),
	}
	if kind == access.EventReplyText {
		event.Text = value
	} else {
		event.Kind = value
	}
	e.emitter.Emit(ctx, event)
}
