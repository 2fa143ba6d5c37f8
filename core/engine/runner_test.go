package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/davidahmann/portero/core/accesslog"
	"github.com/davidahmann/portero/core/checkpoint"
	"github.com/davidahmann/portero/core/directory"
	"github.com/davidahmann/portero/core/notify"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
	"github.com/davidahmann/portero/internal/testutil"
)

type harness struct {
	t          *testing.T
	store      *checkpoint.MemoryStore
	static     *directory.Static
	directory  *testutil.Directory
	identifier *testutil.Identifier
	inbox      *notify.Inbox
	inboxPort  *notify.InboxNotifier
	notifier   *testutil.Notifier
	actuator   *testutil.Actuator
	sink       *accesslog.JSONLSink
	events     *testutil.Recorder
	alerts     *testutil.Alerts
	settings   Settings
}

func defaultProtocol() directory.ProtocolFixture {
	return directory.ProtocolFixture{
		AllowDeliveries:         true,
		RequireResidentApproval: true,
		MaxWaitSeconds:          60,
		PlateSource:             "cam-plate",
		DocumentSource:          "cam-document",
		GateMethod:              "relay",
	}
}

func newHarness(t *testing.T, protocol directory.ProtocolFixture) *harness {
	t.Helper()
	now := time.Now().UTC()
	static, err := directory.NewStatic(directory.Fixture{Tenants: []directory.TenantFixture{{
		TenantID: "tenant-a",
		Protocol: protocol,
		Residents: []directory.ResidentFixture{
			{ResidentID: "res-302", Unit: "302", DisplayName: "Ana Torres", Channel: "inbox", Address: "ana"},
			{ResidentID: "res-1204", Unit: "1204", DisplayName: "Pedro Soto", Channel: "inbox", Address: "pedro"},
		},
		Vehicles: []ports.VehicleRecord{
			{VehicleID: "veh-1", Plate: "ABC123", ResidentID: "res-302", Active: true},
			{VehicleID: "veh-2", Plate: "ZZZ999", ResidentID: "res-302", Active: false},
		},
		PreAuthorizations: []ports.PreAuthRecord{
			{PreAuthorizationID: "pa-1", DocumentID: "7-7777-7777", VisitorName: "Marta", ResidentID: "res-302", ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour), SingleUse: true, Active: true},
		},
	}}}, nil)
	if err != nil {
		t.Fatalf("new static directory: %v", err)
	}
	inbox := notify.NewInbox()
	inboxPort := notify.NewInboxNotifier(inbox)
	settings := DefaultSettings()
	settings.IntakeWait = 100 * time.Millisecond
	settings.AwaitSlack = 200 * time.Millisecond
	settings.SaveTimeout = time.Second
	return &harness{
		t:          t,
		store:      checkpoint.NewMemoryStore(),
		static:     static,
		directory:  testutil.NewDirectory(static),
		identifier: testutil.NewIdentifier(),
		inbox:      inbox,
		inboxPort:  inboxPort,
		notifier:   testutil.NewNotifier(inboxPort),
		actuator:   testutil.NewActuator(),
		sink:       accesslog.NewJSONLSink(filepath.Join(t.TempDir(), "access.jsonl")),
		events:     &testutil.Recorder{},
		alerts:     &testutil.Alerts{},
		settings:   settings,
	}
}

func (h *harness) engine(store checkpoint.Store, sink accesslog.Sink) *Engine {
	h.t.Helper()
	if store == nil {
		store = h.store
	}
	if sink == nil {
		sink = h.sink
	}
	engine, err := New(Options{
		Identifier: h.identifier,
		Directory:  h.directory,
		Notifier:   h.notifier,
		Actuator:   h.actuator,
		Store:      store,
		Log:        sink,
		Emitter:    h.events,
		Alerter:    h.alerts,
		Settings:   h.settings,
	})
	if err != nil {
		h.t.Fatalf("new engine: %v", err)
	}
	return engine
}

// residentAnswers makes the resident reply as soon as the notification lands.
func (h *harness) residentAnswers(reply ports.Reply) {
	h.inboxPort.OnNotify = func(handle ports.NotificationHandle, _ access.ResidentRef, _ ports.VisitorSummary) {
		if _, err := h.inbox.Deliver(handle.ID, reply); err != nil {
			h.t.Errorf("deliver reply: %v", err)
		}
	}
}

func (h *harness) records(callID string) []access.AccessLogRecord {
	h.t.Helper()
	all, err := accesslog.ReadRecords(h.sink.Path())
	if err != nil {
		h.t.Fatalf("read access log: %v", err)
	}
	var matching []access.AccessLogRecord
	for _, record := range all {
		if record.CallID == callID {
			matching = append(matching, record)
		}
	}
	return matching
}

func (h *harness) onlyRecord(callID string) access.AccessLogRecord {
	h.t.Helper()
	records := h.records(callID)
	if len(records) != 1 {
		h.t.Fatalf("expected exactly one access log record for %s, got %d", callID, len(records))
	}
	return records[0]
}

func call(callID string) access.CallContext {
	return access.CallContext{TenantID: "tenant-a", CallID: callID, CallerChannel: "sip:gate-1", StartedAt: time.Now().UTC()}
}

// said queues caller utterances; the channel is closed so an exhausted
// caller does not hold up the intake window.
func said(lines ...string) <-chan string {
	utterances := make(chan string, len(lines))
	for _, line := range lines {
		utterances <- line
	}
	close(utterances)
	return utterances
}

func confident(value string) testutil.Capture {
	return testutil.Capture{Result: access.IdentificationResult{RawValue: value, Confidence: 0.95, PhotoReference: "cam://" + value}}
}

func assertDone(t *testing.T, state access.AuthorizationState, decision access.Decision) {
	t.Helper()
	if state.Phase != access.PhaseDone || !state.LogWritten {
		t.Fatalf("expected done with log written, got phase=%s log_written=%v", state.Phase, state.LogWritten)
	}
	if state.Decision != decision {
		t.Fatalf("expected decision %s, got %s (reason %s)", decision, state.Decision, state.ReasonCode)
	}
}

func TestVehicleScenarioOpensGateWithoutNotify(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.
		Set(access.KindVehiclePlate, confident("ABC123")).
		Set(access.KindIdentityDocument, testutil.Capture{Result: access.IdentificationResult{RawValue: "1-2345-6789", Confidence: 0.9}, Delay: 2 * time.Second})

	started := time.Now()
	state, err := h.engine(nil, nil).Start(context.Background(), call("call-vehicle"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionPreAuthorized)
	if !state.GateActionTaken || state.VehicleID != "veh-1" || state.ReasonCode != ReasonVehicleMatch {
		t.Fatalf("unexpected vehicle outcome: %#v", state)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("plate match must cancel the document capture, took %s", elapsed)
	}
	if h.identifier.Canceled(access.KindIdentityDocument) != 1 || state.Document != nil {
		t.Fatalf("expected document capture canceled, canceled=%d document=%#v", h.identifier.Canceled(access.KindIdentityDocument), state.Document)
	}
	if h.notifier.Notifies() != 0 {
		t.Fatalf("vehicle path must not notify, got %d", h.notifier.Notifies())
	}
	if h.actuator.Calls("tenant-a", "call-vehicle") != 1 {
		t.Fatalf("expected one actuation, got %d", h.actuator.Calls("tenant-a", "call-vehicle"))
	}
	record := h.onlyRecord("call-vehicle")
	if record.Decision != access.DecisionPreAuthorized || !record.GateOpened || record.Outcome != access.OutcomeGranted {
		t.Fatalf("unexpected log record: %#v", record)
	}
	if record.Plate == nil || record.Plate.RawValue != "ABC123" {
		t.Fatalf("log record must carry the plate artifact: %#v", record.Plate)
	}
	texts := h.events.Texts()
	if len(texts) != 2 || texts[0] != h.settings.Replies.Welcome || texts[1] != h.settings.Replies.Granted {
		t.Fatalf("unexpected replies: %q", texts)
	}
	actions := h.events.Actions()
	if len(actions) != 2 || actions[0] != access.ActionGateOpened || actions[1] != access.ActionCallLogged {
		t.Fatalf("unexpected actions: %q", actions)
	}
	stored, err := h.store.Load(context.Background(), "call-vehicle")
	if err != nil || !stored.Finalized {
		t.Fatalf("expected finalized checkpoint, got %#v err=%v", stored, err)
	}
}

func TestLowConfidencePlateNeverUsesVehiclePath(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, testutil.Capture{Result: access.IdentificationResult{RawValue: "ABC123", Confidence: 0.80}})

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-low"), said())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionAutoDeniedPolicy)
	if state.ReasonCode != ReasonNoResident || state.GateActionTaken {
		t.Fatalf("unexpected outcome: reason=%s gate=%v", state.ReasonCode, state.GateActionTaken)
	}
	if h.directory.Calls("LookupVehicle") != 0 {
		t.Fatalf("a weak plate must not be looked up, got %d lookups", h.directory.Calls("LookupVehicle"))
	}
	if h.actuator.Total() != 0 {
		t.Fatalf("gate must stay closed")
	}
	if record := h.onlyRecord("call-low"); record.Plate == nil || record.Plate.Confidence != 0.80 {
		t.Fatalf("weak plate must still be logged: %#v", record.Plate)
	}
}

func TestInactiveVehicleFallsThroughToVisitor(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, confident("ZZZ999"))
	h.residentAnswers(ports.ReplyDenied)

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-inactive"), said("I'm visiting unit 302"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionResidentDenied)
	if state.VehicleID != "veh-2" || state.GateActionTaken {
		t.Fatalf("unexpected state: vehicle=%q gate=%v", state.VehicleID, state.GateActionTaken)
	}
}

func TestResidentApprovesScenario(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	h := newHarness(t, protocol)
	h.identifier.Set(access.KindIdentityDocument, testutil.Capture{Result: access.IdentificationResult{RawValue: "1-2345-6789", Confidence: 0.92, PhotoReference: "cam://doc"}})
	h.residentAnswers(ports.ReplyApproved)

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-approve"), said("My name is Luis Rojas, visiting unit 302"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionResidentApproved)
	if !state.GateActionTaken || state.ResidentRef == nil || state.ResidentRef.ResidentID != "res-302" {
		t.Fatalf("unexpected approval outcome: %#v", state)
	}
	if h.directory.Calls("LookupPreAuthorized") != 1 {
		t.Fatalf("document must be validated before escalating, got %d lookups", h.directory.Calls("LookupPreAuthorized"))
	}
	summaries := h.notifier.Summaries()
	if len(summaries) != 1 || summaries[0].VisitorName != "Luis Rojas" || summaries[0].DocumentID != "1-2345-6789" || summaries[0].PhotoReference != "cam://doc" {
		t.Fatalf("unexpected resident summary: %#v", summaries)
	}
	record := h.onlyRecord("call-approve")
	if record.Decision != access.DecisionResidentApproved || !record.GateOpened || record.ResidentRef == nil {
		t.Fatalf("unexpected log record: %#v", record)
	}
	texts := h.events.Texts()
	if len(texts) != 3 || texts[1] != h.settings.Replies.PleaseWait || texts[2] != h.settings.Replies.Granted {
		t.Fatalf("unexpected replies: %q", texts)
	}
	if released := h.notifier.Releases(); len(released) != 1 || released[0] != state.Notification.Handle {
		t.Fatalf("expected the notification released on finish, got %v", released)
	}
	if h.inbox.Pending() != 0 {
		t.Fatalf("finished call left %d pending notifications", h.inbox.Pending())
	}
}

func TestResidentNeverRepliesTimesOutWithinDeadline(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	protocol.MaxWaitSeconds = 1
	h := newHarness(t, protocol)

	started := time.Now()
	state, err := h.engine(nil, nil).Start(context.Background(), call("call-silent"), said("visiting unit 302"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	elapsed := time.Since(started)
	assertDone(t, state, access.DecisionTimedOut)
	if state.GateActionTaken || state.ReasonCode != ReasonReplyTimeout {
		t.Fatalf("unexpected timeout outcome: %#v", state)
	}
	if elapsed < time.Second {
		t.Fatalf("reply window ended early: %s", elapsed)
	}
	if limit := time.Second + h.settings.AwaitSlack + 500*time.Millisecond; elapsed > limit {
		t.Fatalf("await overran deadline plus slack: %s > %s", elapsed, limit)
	}
	record := h.onlyRecord("call-silent")
	if record.Decision != access.DecisionTimedOut || record.GateOpened {
		t.Fatalf("unexpected log record: %#v", record)
	}
}

func TestNotifierIgnoringDeadlineIsBounded(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	protocol.MaxWaitSeconds = 1
	h := newHarness(t, protocol)
	h.notifier.Inner = stubbornNotifier{}

	started := time.Now()
	state, err := h.engine(nil, nil).Start(context.Background(), call("call-stubborn"), said("visiting unit 302"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionTimedOut)
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("await must be bounded by deadline plus slack, took %s", elapsed)
	}
}

// stubbornNotifier never answers and ignores its deadline.
type stubbornNotifier struct{}

func (stubbornNotifier) Notify(_ context.Context, resident access.ResidentRef, summary ports.VisitorSummary) (ports.NotificationHandle, error) {
	return ports.NotificationHandle{ID: ports.HandleID(summary.TenantID, summary.CallID), ResidentID: resident.ResidentID, SentAt: time.Now().UTC()}, nil
}

func (stubbornNotifier) AwaitReply(ctx context.Context, _ ports.NotificationHandle, _ time.Time) (ports.Reply, error) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return ports.ReplyApproved, nil
}

func TestNotifyUnavailableDeniesWithoutAwaiting(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	h := newHarness(t, protocol)
	h.notifier.FailNotify(ports.ErrUnavailable)

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-nonotify"), said("visiting unit 302"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionAutoDeniedPolicy)
	if state.ReasonCode != ReasonNotifyUnavailable {
		t.Fatalf("unexpected reason %s", state.ReasonCode)
	}
	if h.notifier.Awaits() != 0 {
		t.Fatalf("notify failure must never await a reply, got %d", h.notifier.Awaits())
	}
	h.onlyRecord("call-nonotify")
}

func TestNotifyUnavailableFailOpen(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	protocol.FailOpenOnNotifyUnavailable = true
	h := newHarness(t, protocol)
	h.notifier.FailNotify(errors.New("smtp down"))

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-failopen"), said("visiting unit 302"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionPreAuthorized)
	if state.ReasonCode != ReasonFailOpenNotify || !state.GateActionTaken || h.notifier.Awaits() != 0 {
		t.Fatalf("unexpected fail-open outcome: %#v awaits=%d", state, h.notifier.Awaits())
	}
}

func TestDeliveryOverrideSkipsNotify(t *testing.T) {
	protocol := defaultProtocol()
	protocol.RequireResidentApproval = false
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	h := newHarness(t, protocol)

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-delivery"), said("Hi, I have a package delivery for apartment 1204"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionPreAuthorized)
	if state.ReasonCode != ReasonDeliveryPolicy || !state.GateActionTaken {
		t.Fatalf("unexpected delivery outcome: %#v", state)
	}
	if h.notifier.Notifies() != 0 {
		t.Fatalf("delivery override must not notify, got %d", h.notifier.Notifies())
	}
}

func TestDeliveryNeedsApprovalWhenProtocolRequiresIt(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	h := newHarness(t, protocol)
	h.residentAnswers(ports.ReplyDenied)

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-delivery-ask"), said("Hi, I have a package delivery for apartment 1204"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionResidentDenied)
	if state.ResidentRef == nil || state.ResidentRef.ResidentID != "res-1204" || h.notifier.Notifies() != 1 {
		t.Fatalf("expected escalation to unit 1204: %#v", state.ResidentRef)
	}
	if texts := h.events.Texts(); texts[len(texts)-1] != h.settings.Replies.Denied {
		t.Fatalf("unexpected final reply: %q", texts)
	}
}

func TestPreAuthorizedDocumentIsConsumedOnce(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	h := newHarness(t, protocol)
	h.identifier.Set(access.KindIdentityDocument, confident("7-7777-7777"))

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-pa-1"), said())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionPreAuthorized)
	if state.PreAuthorizationID != "pa-1" || state.ReasonCode != ReasonPreAuthorization || !state.GateActionTaken {
		t.Fatalf("unexpected pre-authorization outcome: %#v", state)
	}
	stored, ok := h.static.PreAuthorization("tenant-a", "pa-1")
	if !ok || stored.UsedByCall != "call-pa-1" {
		t.Fatalf("single-use record must be consumed by the call: %#v", stored)
	}

	second, err := h.engine(nil, nil).Start(context.Background(), call("call-pa-2"), said())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.Decision == access.DecisionPreAuthorized {
		t.Fatalf("consumed pre-authorization must not admit another call")
	}
}

func TestTenantProtocolFailures(t *testing.T) {
	t.Run("unknown_tenant", func(t *testing.T) {
		h := newHarness(t, defaultProtocol())
		unknown := call("call-unknown")
		unknown.TenantID = "tenant-x"
		state, err := h.engine(nil, nil).Start(context.Background(), unknown, nil)
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		assertDone(t, state, access.DecisionAutoDeniedPolicy)
		if state.ReasonCode != ReasonUnknownTenant {
			t.Fatalf("unexpected reason %s", state.ReasonCode)
		}
	})
	t.Run("protocol_unavailable", func(t *testing.T) {
		h := newHarness(t, defaultProtocol())
		h.directory.Fail("Protocol", ports.ErrUnavailable)
		state, err := h.engine(nil, nil).Start(context.Background(), call("call-noproto"), nil)
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		assertDone(t, state, access.DecisionAutoDeniedPolicy)
		if state.ReasonCode != ReasonProtocolUnavailable {
			t.Fatalf("unexpected reason %s", state.ReasonCode)
		}
		h.onlyRecord("call-noproto")
	})
	t.Run("resident_lookup_unavailable", func(t *testing.T) {
		protocol := defaultProtocol()
		protocol.PlateSource = ""
		protocol.DocumentSource = ""
		h := newHarness(t, protocol)
		h.directory.Fail("ResolveResident", ports.ErrUnavailable)
		state, err := h.engine(nil, nil).Start(context.Background(), call("call-nodir"), said("visiting unit 302"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		assertDone(t, state, access.DecisionAutoDeniedPolicy)
		if state.ReasonCode != ReasonDirectoryDown {
			t.Fatalf("unexpected reason %s", state.ReasonCode)
		}
	})
}

func TestHangUpWhileAwaitingReplyStillLogs(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	h := newHarness(t, protocol)
	ctx, hangUp := context.WithCancel(context.Background())
	defer hangUp()
	h.inboxPort.OnNotify = func(ports.NotificationHandle, access.ResidentRef, ports.VisitorSummary) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			hangUp()
		}()
	}

	started := time.Now()
	state, err := h.engine(nil, nil).Start(ctx, call("call-hangup"), said("visiting unit 302"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionTimedOut)
	if state.ReasonCode != ReasonCallerHungUp {
		t.Fatalf("unexpected reason %s", state.ReasonCode)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("hang-up must cut the wait short, took %s", elapsed)
	}
	h.onlyRecord("call-hangup")
}

func TestHangUpBeforeEscalationDenies(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	h := newHarness(t, protocol)
	h.settings.IntakeWait = 10 * time.Second
	ctx, hangUp := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		hangUp()
	}()

	quiet := make(chan string)
	state, err := h.engine(nil, nil).Start(ctx, call("call-early"), quiet)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionAutoDeniedPolicy)
	if state.ReasonCode != ReasonCallerHungUp {
		t.Fatalf("unexpected reason %s", state.ReasonCode)
	}
	h.onlyRecord("call-early")
}

func TestCallCeilingForcesDecision(t *testing.T) {
	protocol := defaultProtocol()
	protocol.PlateSource = ""
	protocol.DocumentSource = ""
	h := newHarness(t, protocol)
	h.settings.CallCeiling = 150 * time.Millisecond

	started := time.Now()
	state, err := h.engine(nil, nil).Start(context.Background(), call("call-ceiling"), said("visiting unit 302"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionTimedOut)
	if state.ReasonCode != ReasonCallCeiling {
		t.Fatalf("unexpected reason %s", state.ReasonCode)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("ceiling must bound the call, took %s", elapsed)
	}
}

func TestActuationFailureReportsGateError(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, confident("ABC123"))
	h.actuator.Fail(fmt.Errorf("%w: relay refused", ports.ErrRejected))

	state, err := h.engine(nil, nil).Start(context.Background(), call("call-gatefail"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionPreAuthorized)
	if state.GateActionTaken || !state.ActuationFailed || !state.ActuationAttempted {
		t.Fatalf("unexpected gate flags: %#v", state)
	}
	if h.actuator.Total() != 1 {
		t.Fatalf("a failed actuation is not retried, got %d calls", h.actuator.Total())
	}
	record := h.onlyRecord("call-gatefail")
	if record.GateOpened || record.Outcome != access.OutcomeTechnicalProblem {
		t.Fatalf("unexpected log record: %#v", record)
	}
	texts := h.events.Texts()
	if texts[len(texts)-1] != h.settings.Replies.GateError {
		t.Fatalf("expected gate error reply, got %q", texts)
	}
}

func TestSlowActuatorIsBounded(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, confident("ABC123"))
	h.actuator.Delay(5 * time.Second)
	h.settings.ActuationTimeout = 100 * time.Millisecond

	started := time.Now()
	state, err := h.engine(nil, nil).Start(context.Background(), call("call-slowgate"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("actuation must be bounded, took %s", elapsed)
	}
	if state.GateActionTaken || !state.ActuationFailed {
		t.Fatalf("a timed-out actuation counts as failed: %#v", state)
	}
}

type crashScenario struct {
	name       string
	protocol   func() directory.ProtocolFixture
	prepare    func(h *harness)
	utterances []string
	decision   access.Decision
}

func crashScenarios() []crashScenario {
	return []crashScenario{
		{
			name:     "vehicle",
			protocol: defaultProtocol,
			prepare: func(h *harness) {
				h.identifier.Set(access.KindVehiclePlate, confident("ABC123"))
			},
			decision: access.DecisionPreAuthorized,
		},
		{
			name: "resident_approves",
			protocol: func() directory.ProtocolFixture {
				protocol := defaultProtocol()
				protocol.PlateSource = ""
				return protocol
			},
			prepare: func(h *harness) {
				h.identifier.Set(access.KindIdentityDocument, confident("1-2345-6789"))
				h.residentAnswers(ports.ReplyApproved)
			},
			utterances: []string{"My name is Luis Rojas, visiting unit 302"},
			decision:   access.DecisionResidentApproved,
		},
		{
			name: "resident_denies",
			protocol: func() directory.ProtocolFixture {
				protocol := defaultProtocol()
				protocol.PlateSource = ""
				protocol.DocumentSource = ""
				return protocol
			},
			prepare: func(h *harness) {
				h.residentAnswers(ports.ReplyDenied)
			},
			utterances: []string{"visiting unit 302"},
			decision:   access.DecisionResidentDenied,
		},
	}
}

func TestCrashAndResumeAtEveryCheckpoint(t *testing.T) {
	for _, scenario := range crashScenarios() {
		clean := newHarness(t, scenario.protocol())
		scenario.prepare(clean)
		final, err := clean.engine(nil, nil).Start(context.Background(), call("call-clean"), said(scenario.utterances...))
		if err != nil {
			t.Fatalf("%s clean run: %v", scenario.name, err)
		}
		assertDone(t, final, scenario.decision)
		// the write-ahead actuation flag is followed only by the actuation
		// result and the log write.
		flagVersion := final.Version - 2

		for crashAt := 1; crashAt <= int(final.Version); crashAt++ {
			for _, persisted := range []bool{true, false} {
				name := fmt.Sprintf("%s/save_%d/persisted_%v", scenario.name, crashAt, persisted)
				t.Run(name, func(t *testing.T) {
					h := newHarness(t, scenario.protocol())
					scenario.prepare(h)
					callID := "call-crash"

					crashing := testutil.NewCrashStore(h.store, crashAt, persisted)
					_, err := h.engine(crashing, nil).Start(context.Background(), call(callID), said(scenario.utterances...))
					if !errors.Is(err, testutil.ErrCrashed) {
						t.Fatalf("expected simulated crash, got %v", err)
					}

					state, err := h.engine(nil, nil).Start(context.Background(), call(callID), said(scenario.utterances...))
					if err != nil {
						t.Fatalf("resume: %v", err)
					}
					assertDone(t, state, scenario.decision)
					record := h.onlyRecord(callID)
					if record.Decision != scenario.decision {
						t.Fatalf("log decision %s, want %s", record.Decision, scenario.decision)
					}
					calls := h.actuator.Calls("tenant-a", callID)
					if calls > 1 {
						t.Fatalf("gate actuated %d times", calls)
					}
					if !scenario.decision.Grants() {
						if calls != 0 {
							t.Fatalf("denied call actuated the gate")
						}
						return
					}
					beforeFlag := int64(crashAt) < flagVersion || (int64(crashAt) == flagVersion && !persisted)
					if beforeFlag && (calls != 1 || !state.GateActionTaken || !record.GateOpened) {
						t.Fatalf("crash before the actuation flag must still open once: calls=%d gate=%v", calls, state.GateActionTaken)
					}
					if record.GateOpened != state.GateActionTaken {
						t.Fatalf("log and state disagree on the gate: %v vs %v", record.GateOpened, state.GateActionTaken)
					}
				})
			}
		}
	}
}

func TestCrashAfterLogWriteKeepsSingleRecord(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, confident("ABC123"))
	crashing := testutil.NewCrashSink(h.sink, true)

	if _, err := h.engine(nil, crashing).Start(context.Background(), call("call-logcrash"), nil); !errors.Is(err, testutil.ErrCrashed) {
		t.Fatalf("expected crash after log write, got %v", err)
	}
	state, err := h.engine(nil, nil).Start(context.Background(), call("call-logcrash"), nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	assertDone(t, state, access.DecisionPreAuthorized)
	h.onlyRecord("call-logcrash")
	if h.actuator.Total() != 1 {
		t.Fatalf("resume after logging must not actuate again, got %d", h.actuator.Total())
	}
	report, err := accesslog.Verify(h.sink.Path())
	if err != nil || !report.OK() {
		t.Fatalf("access log must verify: %#v err=%v", report, err)
	}
}

func TestStoreOutageMidCallTellsCallerAndResumes(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, confident("ABC123"))
	// saves 1-3 land; the write-ahead actuation flag and its retries do not.
	outage := testutil.NewOutageStore(h.store, 4, 3, false)

	state, err := h.engine(outage, nil).Start(context.Background(), call("call-outage"), nil)
	if !errors.Is(err, testutil.ErrOutage) {
		t.Fatalf("expected the store outage to stop the run, got %v", err)
	}
	if state.Phase != access.PhaseDeciding || state.Decision != access.DecisionPreAuthorized {
		t.Fatalf("unexpected state at outage: phase=%s decision=%s", state.Phase, state.Decision)
	}
	if outage.Failed() != 3 {
		t.Fatalf("expected three refused saves, got %d", outage.Failed())
	}
	texts := h.events.Texts()
	if len(texts) != 2 || texts[1] != h.settings.Replies.TechnicalProblem {
		t.Fatalf("caller must hear the technical problem reply, got %q", texts)
	}
	if h.actuator.Total() != 0 || len(h.records("call-outage")) != 0 {
		t.Fatalf("nothing may happen past an unsaved transition: actuations=%d", h.actuator.Total())
	}

	resumed, err := h.engine(nil, nil).Start(context.Background(), call("call-outage"), nil)
	if err != nil {
		t.Fatalf("resume after outage: %v", err)
	}
	assertDone(t, resumed, access.DecisionPreAuthorized)
	if !resumed.GateActionTaken || h.actuator.Calls("tenant-a", "call-outage") != 1 {
		t.Fatalf("expected one actuation after resume, got %d", h.actuator.Calls("tenant-a", "call-outage"))
	}
	if record := h.onlyRecord("call-outage"); !record.GateOpened {
		t.Fatalf("unexpected log record: %#v", record)
	}
}

func TestLostSaveAcknowledgementIsNotFatal(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, confident("ABC123"))
	lossy := testutil.NewOutageStore(h.store, 4, 1, true)

	state, err := h.engine(lossy, nil).Start(context.Background(), call("call-lostack"), nil)
	if err != nil {
		t.Fatalf("a save that landed must not stop the call: %v", err)
	}
	assertDone(t, state, access.DecisionPreAuthorized)
	if lossy.Failed() != 1 {
		t.Fatalf("expected one lost acknowledgement, got %d", lossy.Failed())
	}
	if h.actuator.Total() != 1 || !state.GateActionTaken {
		t.Fatalf("expected the gate opened once, got %d", h.actuator.Total())
	}
	h.onlyRecord("call-lostack")
	texts := h.events.Texts()
	if len(texts) != 2 || texts[1] != h.settings.Replies.Granted {
		t.Fatalf("unexpected replies: %q", texts)
	}
}

func TestFinishedCallIsNotRerun(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, confident("ABC123"))
	first, err := h.engine(nil, nil).Start(context.Background(), call("call-twice"), nil)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := h.engine(nil, nil).Start(context.Background(), call("call-twice"), nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if second.Version != first.Version || h.actuator.Total() != 1 {
		t.Fatalf("finalized call must not run again: versions %d/%d actuations=%d", first.Version, second.Version, h.actuator.Total())
	}
	h.onlyRecord("call-twice")
}

func TestCorruptCheckpointEndsInLoggedError(t *testing.T) {
	h := newHarness(t, defaultProtocol())
	h.identifier.Set(access.KindVehiclePlate, confident("ABC123"))
	ctx := context.Background()
	mid, err := Machine{Threshold: 0.85}.Transition(NewState(call("call-corrupt"), time.Now()), ProtocolLoaded{}, time.Now())
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := h.store.Save(ctx, mid); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	h.store.Corrupt("call-corrupt", []byte(`{"schema_id":"portero.access.checkpoint","state":`))

	state, err := h.engine(nil, nil).Start(ctx, call("call-corrupt"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	assertDone(t, state, access.DecisionError)
	if state.ReasonCode != ReasonCheckpointCorrupt || state.ActuationAttempted {
		t.Fatalf("unexpected corrupt outcome: %#v", state)
	}
	if h.actuator.Total() != 0 {
		t.Fatalf("a corrupt call must never open the gate")
	}
	if len(h.alerts.Errors()) != 1 {
		t.Fatalf("expected one operator alert, got %d", len(h.alerts.Errors()))
	}
	if h.store.Quarantined() != 1 {
		t.Fatalf("expected corrupt record quarantined")
	}
	record := h.onlyRecord("call-corrupt")
	if record.Decision != access.DecisionError || record.Outcome != access.OutcomeTechnicalProblem {
		t.Fatalf("unexpected log record: %#v", record)
	}
	texts := h.events.Texts()
	if len(texts) == 0 || texts[len(texts)-1] != h.settings.Replies.TechnicalProblem {
		t.Fatalf("expected technical problem reply, got %q", texts)
	}
}

func TestNewRequiresPorts(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected missing ports to be rejected")
	}
}
