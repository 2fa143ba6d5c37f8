package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

var (
	testResident = access.ResidentRef{ResidentID: "res-1", Unit: "1204", Address: "ou_ana"}
	testSummary  = ports.VisitorSummary{TenantID: "condo-norte", CallID: "call-1", VisitorName: "Luis", DocumentID: "1-2345-6789"}
)

func TestInboxDeliversReplyToWaiter(t *testing.T) {
	inbox := NewInbox()
	notifier := NewInboxNotifier(inbox)
	handle, err := notifier.Notify(context.Background(), testResident, testSummary)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if handle.ID != ports.HandleID("condo-norte", "call-1") {
		t.Fatalf("unexpected handle %q", handle.ID)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		if _, err := inbox.DeliverText(handle.ID, "Approve"); err != nil {
			t.Errorf("deliver: %v", err)
		}
	}()
	reply, err := notifier.AwaitReply(context.Background(), handle, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if reply != ports.ReplyApproved {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestInboxKeepsEarlyReplyAndFirstReplyWins(t *testing.T) {
	inbox := NewInbox()
	handle := ports.NotificationHandle{ID: "ntf_1"}
	inbox.Open(handle.ID, "")

	accepted, err := inbox.Deliver(handle.ID, ports.ReplyDenied)
	if err != nil || !accepted {
		t.Fatalf("first delivery: accepted=%v err=%v", accepted, err)
	}
	accepted, err = inbox.Deliver(handle.ID, ports.ReplyApproved)
	if err != nil || accepted {
		t.Fatalf("second delivery must be ignored: accepted=%v err=%v", accepted, err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		reply, err := inbox.AwaitReply(context.Background(), handle, time.Now().Add(time.Second))
		if err != nil || reply != ports.ReplyDenied {
			t.Fatalf("attempt %d: reply=%q err=%v", attempt, reply, err)
		}
	}
	reply, err := inbox.AwaitReply(context.Background(), handle, time.Now().Add(-time.Second))
	if err != nil || reply != ports.ReplyDenied {
		t.Fatalf("expired wait must still see recorded reply: reply=%q err=%v", reply, err)
	}
}

func TestInboxAwaitReplyTimesOutWithinSlack(t *testing.T) {
	inbox := NewInbox()
	handle := ports.NotificationHandle{ID: "ntf_timeout"}
	inbox.Open(handle.ID, "")
	started := time.Now()
	reply, err := inbox.AwaitReply(context.Background(), handle, started.Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if reply != ports.ReplyNone {
		t.Fatalf("expected no reply, got %q", reply)
	}
	if elapsed := time.Since(started); elapsed > 50*time.Millisecond+250*time.Millisecond {
		t.Fatalf("await exceeded deadline plus slack: %s", elapsed)
	}
}

func TestInboxAwaitReplyHonorsCancellation(t *testing.T) {
	inbox := NewInbox()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := inbox.AwaitReply(ctx, ports.NotificationHandle{ID: "ntf_cancel"}, time.Now().Add(time.Minute))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestInboxRejectsUnknownHandlesAndBadText(t *testing.T) {
	inbox := NewInbox()
	if _, err := inbox.Deliver("ntf_missing", ports.ReplyApproved); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected unknown handle, got %v", err)
	}
	inbox.Open("ntf_1", "ou_ana")
	if _, err := inbox.DeliverText("ntf_1", "maybe later"); err == nil {
		t.Fatal("expected unrecognized reply error")
	}
	if _, err := inbox.Deliver("ntf_1", ports.ReplyNone); err == nil {
		t.Fatal("no_reply is not deliverable")
	}
	if _, err := inbox.DeliverToAddress("ou_other", "yes"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected unknown address, got %v", err)
	}
	accepted, err := inbox.DeliverToAddress("ou_ana", "yes")
	if err != nil || !accepted {
		t.Fatalf("deliver by address: accepted=%v err=%v", accepted, err)
	}
	inbox.Close("ntf_1")
	if inbox.Pending() != 0 {
		t.Fatalf("expected closed inbox, pending=%d", inbox.Pending())
	}
	if _, err := inbox.DeliverToAddress("ou_ana", "yes"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("closed handle must not accept replies, got %v", err)
	}
}

func TestInboxRoutesAddressRepliesAcrossOverlappingHandles(t *testing.T) {
	inbox := NewInbox()
	visitorA := ports.HandleID("condo-norte", "call-a")
	visitorB := ports.HandleID("condo-norte", "call-b")
	inbox.Open(visitorA, "ou_ana")
	inbox.Open(visitorB, "ou_ana")

	if _, err := inbox.DeliverToAddress("ou_ana", "yes"); !errors.Is(err, ErrAmbiguousReply) {
		t.Fatalf("a bare reply with two visitors waiting must be refused, got %v", err)
	}
	if _, err := inbox.DeliverToAddress("ou_ana", "yes ZZZZ"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("an unknown code must not match, got %v", err)
	}
	accepted, err := inbox.DeliverToAddress("ou_ana", "approve "+ports.ReplyCode(visitorA))
	if err != nil || !accepted {
		t.Fatalf("coded reply: accepted=%v err=%v", accepted, err)
	}
	// visitor A is answered, so a bare reply now reaches B alone.
	accepted, err = inbox.DeliverToAddress("ou_ana", "no")
	if err != nil || !accepted {
		t.Fatalf("bare reply with one visitor left: accepted=%v err=%v", accepted, err)
	}

	deadline := time.Now().Add(time.Second)
	if reply, _ := inbox.AwaitReply(context.Background(), ports.NotificationHandle{ID: visitorA}, deadline); reply != ports.ReplyApproved {
		t.Fatalf("visitor A reply %q", reply)
	}
	if reply, _ := inbox.AwaitReply(context.Background(), ports.NotificationHandle{ID: visitorB}, deadline); reply != ports.ReplyDenied {
		t.Fatalf("visitor B reply %q", reply)
	}

	inbox.Close(visitorA)
	inbox.Close(visitorB)
	if codes := inbox.Codes("ou_ana"); len(codes) != 0 {
		t.Fatalf("closed handles must leave the address, got %v", codes)
	}
	if _, err := inbox.DeliverToAddress("ou_ana", "yes"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected no pending notification, got %v", err)
	}
}

func TestInboxPrune(t *testing.T) {
	inbox := NewInbox()
	current := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	inbox.now = func() time.Time { return current }
	inbox.Open("ntf_old", "ou_old")
	current = current.Add(time.Hour)
	inbox.Open("ntf_new", "")
	if removed := inbox.Prune(30 * time.Minute); removed != 1 {
		t.Fatalf("expected one pruned handle, got %d", removed)
	}
	if inbox.Pending() != 1 {
		t.Fatalf("unexpected pending count %d", inbox.Pending())
	}
}

func TestWebhookNotify(t *testing.T) {
	var mu sync.Mutex
	var received WebhookMessage
	var idempotencyKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		idempotencyKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	inbox := NewInbox()
	notifier, err := NewWebhook(server.URL, "token-1", inbox, nil)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	handle, err := notifier.Notify(context.Background(), testResident, testSummary)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	mu.Lock()
	if received.Handle != handle.ID || idempotencyKey != handle.ID || received.Text == "" || received.Resident.ResidentID != "res-1" {
		t.Fatalf("unexpected webhook payload %#v key=%q", received, idempotencyKey)
	}
	mu.Unlock()

	if _, err := inbox.DeliverText(handle.ID, "no"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	reply, err := notifier.AwaitReply(context.Background(), handle, time.Now().Add(time.Second))
	if err != nil || reply != ports.ReplyDenied {
		t.Fatalf("unexpected reply %q err=%v", reply, err)
	}
}

func TestWebhookNotifyUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	notifier, err := NewWebhook(server.URL, "", NewInbox(), nil)
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if _, err := notifier.Notify(context.Background(), testResident, testSummary); !errors.Is(err, ports.ErrUnavailable) {
		t.Fatalf("expected unavailable on 502, got %v", err)
	}
	server.Close()
	if _, err := notifier.Notify(context.Background(), testResident, testSummary); !errors.Is(err, ports.ErrUnavailable) {
		t.Fatalf("expected unavailable on closed server, got %v", err)
	}
	if _, err := NewWebhook(" ", "", NewInbox(), nil); err == nil {
		t.Fatal("expected url validation error")
	}
}

type fakeLarkSender struct {
	receiveIDType string
	receiveID     string
	text          string
	err           error
}

func (s *fakeLarkSender) SendText(_ context.Context, receiveIDType, receiveID, text string) error {
	s.receiveIDType = receiveIDType
	s.receiveID = receiveID
	s.text = text
	return s.err
}

func stringPtr(value string) *string {
	return &value
}

func TestLarkNotifyAndReply(t *testing.T) {
	inbox := NewInbox()
	notifier, err := NewLark("cli_app", "secret", "", inbox)
	if err != nil {
		t.Fatalf("new lark: %v", err)
	}
	sender := &fakeLarkSender{}
	notifier.sender = sender

	handle, err := notifier.Notify(context.Background(), testResident, testSummary)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	sent := testSummary
	sent.ReplyCode = ports.ReplyCode(handle.ID)
	if sender.receiveIDType != larkim.ReceiveIdTypeOpenId || sender.receiveID != "ou_ana" || sender.text != sent.Text() {
		t.Fatalf("unexpected lark message %#v", sender)
	}

	event := &larkim.P2MessageReceiveV1{Event: &larkim.P2MessageReceiveV1Data{
		Sender: &larkim.EventSender{SenderId: &larkim.UserId{OpenId: stringPtr("ou_ana")}},
		Message: &larkim.EventMessage{
			MessageType: stringPtr(larkim.MsgTypeText),
			Content:     stringPtr(`{"text":"approve"}`),
		},
	}}
	if err := notifier.HandleMessage(context.Background(), event); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	reply, err := notifier.AwaitReply(context.Background(), handle, time.Now().Add(time.Second))
	if err != nil || reply != ports.ReplyApproved {
		t.Fatalf("unexpected reply %q err=%v", reply, err)
	}
}

func larkText(openID, text string) *larkim.P2MessageReceiveV1 {
	content, _ := json.Marshal(map[string]string{"text": text})
	return &larkim.P2MessageReceiveV1{Event: &larkim.P2MessageReceiveV1Data{
		Sender: &larkim.EventSender{SenderId: &larkim.UserId{OpenId: stringPtr(openID)}},
		Message: &larkim.EventMessage{
			MessageType: stringPtr(larkim.MsgTypeText),
			Content:     stringPtr(string(content)),
		},
	}}
}

func TestLarkOverlappingVisitorsNeedReplyCode(t *testing.T) {
	inbox := NewInbox()
	notifier, err := NewLark("cli_app", "secret", "", inbox)
	if err != nil {
		t.Fatalf("new lark: %v", err)
	}
	sender := &fakeLarkSender{}
	notifier.sender = sender

	first, err := notifier.Notify(context.Background(), testResident, testSummary)
	if err != nil {
		t.Fatalf("notify first: %v", err)
	}
	second, err := notifier.Notify(context.Background(), testResident, ports.VisitorSummary{TenantID: "condo-norte", CallID: "call-2", VisitorName: "Rosa"})
	if err != nil {
		t.Fatalf("notify second: %v", err)
	}

	if err := notifier.HandleMessage(context.Background(), larkText("ou_ana", "yes")); err != nil {
		t.Fatalf("handle bare reply: %v", err)
	}
	if !strings.Contains(sender.text, ports.ReplyCode(first.ID)) || !strings.Contains(sender.text, ports.ReplyCode(second.ID)) {
		t.Fatalf("expected a prompt listing both codes, got %q", sender.text)
	}
	if err := notifier.HandleMessage(context.Background(), larkText("ou_ana", "no "+strings.ToLower(ports.ReplyCode(second.ID)))); err != nil {
		t.Fatalf("handle coded reply: %v", err)
	}

	reply, err := notifier.AwaitReply(context.Background(), second, time.Now().Add(time.Second))
	if err != nil || reply != ports.ReplyDenied {
		t.Fatalf("second visitor: reply %q err=%v", reply, err)
	}
	reply, err = notifier.AwaitReply(context.Background(), first, time.Now().Add(50*time.Millisecond))
	if err != nil || reply != ports.ReplyNone {
		t.Fatalf("first visitor must not take the other reply: %q err=%v", reply, err)
	}
}

func TestLarkNotifyFailures(t *testing.T) {
	if _, err := NewLark("", "secret", "", NewInbox()); err == nil {
		t.Fatal("expected credential validation error")
	}
	notifier, err := NewLark("cli_app", "secret", "", NewInbox())
	if err != nil {
		t.Fatalf("new lark: %v", err)
	}
	notifier.sender = &fakeLarkSender{err: errors.New("rate limited")}
	if _, err := notifier.Notify(context.Background(), testResident, testSummary); !errors.Is(err, ports.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := notifier.Notify(context.Background(), access.ResidentRef{ResidentID: "res-2"}, testSummary); !errors.Is(err, ports.ErrUnavailable) {
		t.Fatalf("expected unavailable without address, got %v", err)
	}
	if err := notifier.HandleMessage(context.Background(), nil); err != nil {
		t.Fatalf("nil event must be ignored: %v", err)
	}
}
