// Package notify implements the resident notification port. Every
// notifier delivers outbound messages its own way and collects replies in a
// shared Inbox, where AwaitReply blocks on a per-handle channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

var (
	ErrUnknownHandle  = errors.New("unknown notification handle")
	ErrAmbiguousReply = errors.New("reply matches several pending notifications")
)

type mailbox struct {
	reply   ports.Reply
	ready   chan struct{}
	address string
	code    string
	created time.Time
}

// Inbox routes resident replies to the call waiting on them. A reply that
// arrives before AwaitReply starts is kept; only the first reply per handle
// counts.
type Inbox struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	byAddress map[string][]string
	now       func() time.Time
}

func NewInbox() *Inbox {
	return &Inbox{
		mailboxes: make(map[string]*mailbox),
		byAddress: make(map[string][]string),
		now:       time.Now,
	}
}

// Open registers a handle and the address it was sent to. One address may
// hold several pending handles when visitors for the same resident overlap.
func (i *Inbox) Open(handleID, address string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	box := i.mailboxLocked(handleID)
	box.code = ports.ReplyCode(handleID)
	trimmed := strings.TrimSpace(address)
	if trimmed == "" || box.address == trimmed {
		return
	}
	if box.address != "" {
		i.unlinkLocked(box.address, handleID)
	}
	box.address = trimmed
	i.byAddress[trimmed] = append(i.byAddress[trimmed], handleID)
}

func (i *Inbox) unlinkLocked(address, handleID string) {
	handles := i.byAddress[address]
	for index, candidate := range handles {
		if candidate == handleID {
			handles = append(handles[:index:index], handles[index+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(i.byAddress, address)
		return
	}
	i.byAddress[address] = handles
}

func (i *Inbox) mailboxLocked(handleID string) *mailbox {
	box, ok := i.mailboxes[handleID]
	if !ok {
		box = &mailbox{ready: make(chan struct{}), created: i.now()}
		i.mailboxes[handleID] = box
	}
	return box
}

// Deliver records a reply for a handle. It reports false when a reply was
// already recorded.
func (i *Inbox) Deliver(handleID string, reply ports.Reply) (bool, error) {
	if reply != ports.ReplyApproved && reply != ports.ReplyDenied {
		return false, fmt.Errorf("unsupported reply %q", reply)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	box, ok := i.mailboxes[handleID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}
	if box.reply != "" {
		return false, nil
	}
	box.reply = reply
	close(box.ready)
	return true, nil
}

// DeliverText parses free-form reply text. A reply code, if present, is
// not needed: the handle already names the call.
func (i *Inbox) DeliverText(handleID, text string) (bool, error) {
	reply, _, ok := ports.ParseCodedReply(text)
	if !ok {
		return false, fmt.Errorf("unrecognized reply %q", text)
	}
	return i.Deliver(handleID, reply)
}

// DeliverToAddress routes a reply from a channel address (a chat user id,
// a phone number) to the handle awaiting an answer from it. With several
// unanswered handles on the address the reply must carry one's reply code;
// otherwise it is refused with ErrAmbiguousReply.
func (i *Inbox) DeliverToAddress(address, text string) (bool, error) {
	reply, code, ok := ports.ParseCodedReply(text)
	if !ok {
		return false, fmt.Errorf("unrecognized reply %q", text)
	}
	trimmed := strings.TrimSpace(address)
	i.mu.Lock()
	var candidates []string
	for _, handleID := range i.byAddress[trimmed] {
		box, exists := i.mailboxes[handleID]
		if !exists || box.reply != "" {
			continue
		}
		if code != "" && box.code != code {
			continue
		}
		candidates = append(candidates, handleID)
	}
	i.mu.Unlock()
	switch len(candidates) {
	case 0:
		return false, fmt.Errorf("%w: no pending notification for %s", ErrUnknownHandle, trimmed)
	case 1:
		return i.Deliver(candidates[0], reply)
	default:
		return false, fmt.Errorf("%w: %d for %s", ErrAmbiguousReply, len(candidates), trimmed)
	}
}

// Codes lists the reply codes still awaiting an answer from address.
func (i *Inbox) Codes(address string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var codes []string
	for _, handleID := range i.byAddress[strings.TrimSpace(address)] {
		if box, ok := i.mailboxes[handleID]; ok && box.reply == "" {
			codes = append(codes, box.code)
		}
	}
	return codes
}

// AwaitReply blocks until a reply arrives, the deadline passes (NoReply) or
// ctx ends. Waiting on a handle the inbox has never seen is allowed: after a
// restart the handle is reopened and a reply can still arrive.
func (i *Inbox) AwaitReply(ctx context.Context, handle ports.NotificationHandle, deadline time.Time) (ports.Reply, error) {
	i.mu.Lock()
	box := i.mailboxLocked(handle.ID)
	i.mu.Unlock()

	wait := time.Until(deadline)
	if wait <= 0 {
		select {
		case <-box.ready:
			return i.replyOf(box), nil
		default:
			return ports.ReplyNone, nil
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-box.ready:
		return i.replyOf(box), nil
	case <-timer.C:
		return ports.ReplyNone, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (i *Inbox) replyOf(box *mailbox) ports.Reply {
	i.mu.Lock()
	defer i.mu.Unlock()
	return box.reply
}

// Close releases a handle once its call is decided.
func (i *Inbox) Close(handleID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	box, ok := i.mailboxes[handleID]
	if !ok {
		return
	}
	if box.address != "" {
		i.unlinkLocked(box.address, handleID)
	}
	delete(i.mailboxes, handleID)
}

// Prune drops handles older than maxAge. It returns the number removed.
func (i *Inbox) Prune(maxAge time.Duration) int {
	cutoff := i.now().Add(-maxAge)
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for handleID, box := range i.mailboxes {
		if box.created.Before(cutoff) {
			if box.address != "" {
				i.unlinkLocked(box.address, handleID)
			}
			delete(i.mailboxes, handleID)
			removed++
		}
	}
	return removed
}

// Pending reports how many handles are open.
func (i *Inbox) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.mailboxes)
}

// InboxNotifier sends nothing. Replies reach the inbox through the reply
// API; OnNotify observes outbound summaries.
type InboxNotifier struct {
	Inbox    *Inbox
	OnNotify func(handle ports.NotificationHandle, resident access.ResidentRef, summary ports.VisitorSummary)
	now      func() time.Time
}

func NewInboxNotifier(inbox *Inbox) *InboxNotifier {
	return &InboxNotifier{Inbox: inbox, now: time.Now}
}

func (n *InboxNotifier) Notify(_ context.Context, resident access.ResidentRef, summary ports.VisitorSummary) (ports.NotificationHandle, error) {
	handle := newHandle(resident, summary, n.now)
	summary.ReplyCode = ports.ReplyCode(handle.ID)
	n.Inbox.Open(handle.ID, resident.Address)
	if n.OnNotify != nil {
		n.OnNotify(handle, resident, summary)
	}
	return handle, nil
}

func (n *InboxNotifier) AwaitReply(ctx context.Context, handle ports.NotificationHandle, deadline time.Time) (ports.Reply, error) {
	return n.Inbox.AwaitReply(ctx, handle, deadline)
}

func (n *InboxNotifier) Release(handle ports.NotificationHandle) {
	n.Inbox.Close(handle.ID)
}

func newHandle(resident access.ResidentRef, summary ports.VisitorSummary, now func() time.Time) ports.NotificationHandle {
	if now == nil {
		now = time.Now
	}
	return ports.NotificationHandle{
		ID:         ports.HandleID(summary.TenantID, summary.CallID),
		ResidentID: resident.ResidentID,
		SentAt:     now().UTC(),
	}
}
