package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/portero/core/accesslog"
	"github.com/davidahmann/portero/core/checkpoint"
	"github.com/davidahmann/portero/core/directory"
	"github.com/davidahmann/portero/core/engine"
	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/logx"
	"github.com/davidahmann/portero/core/notify"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

// simulationFixture scripts one call against in-memory ports.
type simulationFixture struct {
	TenantID      string            `yaml:"tenant_id"`
	CallID        string            `yaml:"call_id"`
	CallerChannel string            `yaml:"caller_channel"`
	Utterances    []string          `yaml:"utterances"`
	Plate         *captureFixture   `yaml:"plate"`
	Document      *captureFixture   `yaml:"document"`
	ResidentReply string            `yaml:"resident_reply"`
	NotifyDown    bool              `yaml:"notify_unavailable"`
	GateFails     bool              `yaml:"gate_fails"`
	HangUpAfter   string            `yaml:"hang_up_after"`
	IntakeWait    string            `yaml:"intake_wait"`
	Directory     directory.Fixture `yaml:"directory"`
}

type captureFixture struct {
	RawValue    string  `yaml:"raw_value"`
	Confidence  float64 `yaml:"confidence"`
	Unavailable bool    `yaml:"unavailable"`
}

type simulateOutput struct {
	OK         bool                    `json:"ok"`
	TenantID   string                  `json:"tenant_id,omitempty"`
	CallID     string                  `json:"call_id,omitempty"`
	Decision   access.Decision         `json:"decision,omitempty"`
	ReasonCode string                  `json:"reason_code,omitempty"`
	Outcome    access.Outcome          `json:"outcome,omitempty"`
	GateOpened bool                    `json:"gate_opened"`
	Spoken     []string                `json:"spoken,omitempty"`
	Actions    []string                `json:"actions,omitempty"`
	Record     *access.AccessLogRecord `json:"record,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func runSimulate(arguments []string) int {
	flagSet := newFlagSet("simulate")
	fixturePath := flagSet.String("fixture", "", "path to simulation fixture YAML")
	logPath := flagSet.String("log", "", "append the access log record to this JSONL file")
	jsonOutput := flagSet.Bool("json", false, "emit JSON output")
	helpFlag := flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(arguments); err != nil {
		return writeFailure(*jsonOutput, "simulate", err, exitInvalidInput)
	}
	if *helpFlag {
		printUsage()
		return exitOK
	}
	if strings.TrimSpace(*fixturePath) == "" {
		return writeFailure(*jsonOutput, "simulate", invalidConfig(fmt.Errorf("--fixture is required")), exitInvalidInput)
	}
	fixture, err := loadSimulation(*fixturePath)
	if err != nil {
		return writeFailure(*jsonOutput, "simulate", err, exitInvalidInput)
	}
	output, err := simulate(context.Background(), fixture, *logPath)
	if err != nil {
		return writeFailure(*jsonOutput, "simulate", err, exitInternalFailure)
	}
	return writeSimulateOutput(*jsonOutput, output)
}

func loadSimulation(path string) (simulationFixture, error) {
	// #nosec G304 -- fixture path is explicit operator input.
	content, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return simulationFixture{}, porterrors.Wrap(fmt.Errorf("read fixture: %w", err), porterrors.CategoryInvalidInput, "fixture_unreadable", "check the --fixture path", false)
	}
	var fixture simulationFixture
	if err := yaml.Unmarshal(content, &fixture); err != nil {
		return simulationFixture{}, invalidConfig(fmt.Errorf("parse fixture: %w", err))
	}
	fixture.TenantID = strings.TrimSpace(fixture.TenantID)
	fixture.CallID = strings.TrimSpace(fixture.CallID)
	if fixture.TenantID == "" {
		return simulationFixture{}, invalidConfig(fmt.Errorf("fixture tenant_id is required"))
	}
	if fixture.CallID == "" {
		fixture.CallID = "sim-" + fixture.TenantID
	}
	return fixture, nil
}

// simulate runs one call to completion and reports what the caller heard.
func simulate(ctx context.Context, fixture simulationFixture, logPath string) (simulateOutput, error) {
	static, err := directory.NewStatic(fixture.Directory, nil)
	if err != nil {
		return simulateOutput{}, invalidConfig(err)
	}
	settings := engine.DefaultSettings()
	if fixture.IntakeWait != "" {
		if settings.IntakeWait, err = time.ParseDuration(fixture.IntakeWait); err != nil {
			return simulateOutput{}, invalidConfig(fmt.Errorf("parse intake_wait: %w", err))
		}
	}

	inbox := notify.NewInbox()
	inboxNotifier := notify.NewInboxNotifier(inbox)
	if reply := strings.TrimSpace(fixture.ResidentReply); reply != "" {
		inboxNotifier.OnNotify = func(handle ports.NotificationHandle, _ access.ResidentRef, _ ports.VisitorSummary) {
			_, _ = inbox.DeliverText(handle.ID, reply)
		}
	}
	var notifier ports.Notifier = inboxNotifier
	if fixture.NotifyDown {
		notifier = downNotifier{}
	}

	capture := &captureSink{}
	log := accesslog.Chain{Primary: capture}
	if strings.TrimSpace(logPath) != "" {
		log = accesslog.Chain{Primary: accesslog.NewJSONLSink(logPath), Mirrors: []accesslog.Mirror{capture}}
	}
	events := &eventLog{}
	eng, err := engine.New(engine.Options{
		Identifier: scriptedIdentifier{plate: fixture.Plate, document: fixture.Document},
		Directory:  static,
		Notifier:   notifier,
		Actuator:   simulatedGate{fail: fixture.GateFails},
		Store:      checkpoint.NewMemoryStore(),
		Log:        log,
		Emitter:    events,
		Alerter:    engine.LogAlerter{Logger: logx.Discard()},
		Logger:     logx.Discard(),
		Settings:   settings,
	})
	if err != nil {
		return simulateOutput{}, err
	}

	utterances := make(chan string, len(fixture.Utterances))
	for _, text := range fixture.Utterances {
		utterances <- text
	}
	close(utterances)

	callCtx, hangUp := context.WithCancel(ctx)
	defer hangUp()
	if fixture.HangUpAfter != "" {
		after, err := time.ParseDuration(fixture.HangUpAfter)
		if err != nil {
			return simulateOutput{}, invalidConfig(fmt.Errorf("parse hang_up_after: %w", err))
		}
		timer := time.AfterFunc(after, hangUp)
		defer timer.Stop()
	}
	call := access.CallContext{
		TenantID:      fixture.TenantID,
		CallID:        fixture.CallID,
		CallerChannel: fixture.CallerChannel,
		StartedAt:     time.Now().UTC(),
	}
	state, err := eng.Start(callCtx, call, utterances)
	if err != nil {
		return simulateOutput{}, err
	}
	output := simulateOutput{
		OK:         true,
		TenantID:   call.TenantID,
		CallID:     call.CallID,
		Decision:   state.Decision,
		ReasonCode: state.ReasonCode,
		Outcome:    access.OutcomeOf(state),
		GateOpened: state.GateActionTaken,
		Spoken:     events.texts(),
		Actions:    events.actions(),
	}
	if record, ok := capture.record(); ok {
		output.Record = &record
	}
	return output, nil
}

func writeSimulateOutput(jsonOutput bool, output simulateOutput) int {
	if jsonOutput {
		return writeJSONOutput(output, exitOK)
	}
	_, _ = fmt.Fprintf(stdout, "call_id=%s\n", output.CallID)
	for _, text := range output.Spoken {
		_, _ = fmt.Fprintf(stdout, "said=%q\n", text)
	}
	_, _ = fmt.Fprintf(stdout, "decision=%s\n", output.Decision)
	_, _ = fmt.Fprintf(stdout, "reason=%s\n", output.ReasonCode)
	_, _ = fmt.Fprintf(stdout, "outcome=%s\n", output.Outcome)
	_, _ = fmt.Fprintf(stdout, "gate_opened=%t\n", output.GateOpened)
	return exitOK
}

type scriptedIdentifier struct {
	plate    *captureFixture
	document *captureFixture
}

func (s scriptedIdentifier) Identify(_ context.Context, kind access.IdentificationKind, sourceRef string) (access.IdentificationResult, error) {
	capture := s.plate
	if kind == access.KindIdentityDocument {
		capture = s.document
	}
	if capture == nil {
		return access.IdentificationResult{}, ports.ErrNotFound
	}
	if capture.Unavailable {
		return access.IdentificationResult{}, fmt.Errorf("%w: %s capture offline", ports.ErrUnavailable, kind)
	}
	return access.IdentificationResult{
		Kind:           kind,
		RawValue:       capture.RawValue,
		Confidence:     capture.Confidence,
		CapturedAt:     time.Now().UTC(),
		PhotoReference: sourceRef,
	}, nil
}

type downNotifier struct{}

func (downNotifier) Notify(context.Context, access.ResidentRef, ports.VisitorSummary) (ports.NotificationHandle, error) {
	return ports.NotificationHandle{}, fmt.Errorf("%w: notifier offline", ports.ErrUnavailable)
}

func (downNotifier) AwaitReply(context.Context, ports.NotificationHandle, time.Time) (ports.Reply, error) {
	return ports.ReplyNone, fmt.Errorf("%w: notifier offline", ports.ErrUnavailable)
}

type simulatedGate struct {
	fail bool
}

func (g simulatedGate) Actuate(context.Context, string, string, string) error {
	if g.fail {
		return fmt.Errorf("%w: relay did not confirm", ports.ErrRejected)
	}
	return nil
}

// captureSink keeps the single record of the simulated call. It serves as
// the primary sink or as a mirror behind a JSONL file.
type captureSink struct {
	mu    sync.Mutex
	saved *access.AccessLogRecord
}

func (s *captureSink) Write(_ context.Context, record access.AccessLogRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved != nil && s.saved.CallID == record.CallID {
		return false, nil
	}
	s.saved = &record
	return true, nil
}

func (s *captureSink) Publish(ctx context.Context, record access.AccessLogRecord) error {
	_, err := s.Write(ctx, record)
	return err
}

func (s *captureSink) record() (access.AccessLogRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return access.AccessLogRecord{}, false
	}
	return *s.saved, true
}

type eventLog struct {
	mu     sync.Mutex
	events []access.Event
}

func (l *eventLog) Emit(_ context.Context, event access.Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) texts() []string {
	return l.filter(access.EventReplyText, func(event access.Event) string { return event.Text })
}

func (l *eventLog) actions() []string {
	return l.filter(access.EventActionTaken, func(event access.Event) string { return event.Kind })
}

func (l *eventLog) filter(eventType string, value func(access.Event) string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, event := range l.events {
		if event.Type == eventType {
			out = append(out, value(event))
		}
	}
	return out
}
