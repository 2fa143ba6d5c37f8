package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

type larkSender interface {
	SendText(ctx context.Context, receiveIDType, receiveID, text string) error
}

type larkClientSender struct {
	client *lark.Client
}

func (s larkClientSender) SendText(ctx context.Context, receiveIDType, receiveID, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("encode lark content: %w", err)
	}
	resp, err := s.client.Im.Message.Create(ctx, larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build())
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark message rejected: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// Lark sends the visitor summary as a chat message to the resident's Lark
// address. Replies arrive over the long connection started by Listen.
type Lark struct {
	appID         string
	appSecret     string
	receiveIDType string
	sender        larkSender
	inbox         *Inbox
	now           func() time.Time
}

func NewLark(appID, appSecret, receiveIDType string, inbox *Inbox) (*Lark, error) {
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(appSecret) == "" {
		return nil, fmt.Errorf("lark app id and secret are required")
	}
	if inbox == nil {
		return nil, fmt.Errorf("lark notifier requires an inbox")
	}
	if strings.TrimSpace(receiveIDType) == "" {
		receiveIDType = larkim.ReceiveIdTypeOpenId
	}
	return &Lark{
		appID:         appID,
		appSecret:     appSecret,
		receiveIDType: receiveIDType,
		sender:        larkClientSender{client: lark.NewClient(appID, appSecret)},
		inbox:         inbox,
		now:           time.Now,
	}, nil
}

func (l *Lark) Notify(ctx context.Context, resident access.ResidentRef, summary ports.VisitorSummary) (ports.NotificationHandle, error) {
	address := strings.TrimSpace(resident.Address)
	if address == "" {
		return ports.NotificationHandle{}, fmt.Errorf("%w: resident %s has no lark address", ports.ErrUnavailable, resident.ResidentID)
	}
	handle := newHandle(resident, summary, l.now)
	summary.ReplyCode = ports.ReplyCode(handle.ID)
	l.inbox.Open(handle.ID, address)
	if err := l.sender.SendText(ctx, l.receiveIDType, address, summary.Text()); err != nil {
		return ports.NotificationHandle{}, fmt.Errorf("%w: lark: %v", ports.ErrUnavailable, err)
	}
	return handle, nil
}

func (l *Lark) AwaitReply(ctx context.Context, handle ports.NotificationHandle, deadline time.Time) (ports.Reply, error) {
	return l.inbox.AwaitReply(ctx, handle, deadline)
}

func (l *Lark) Release(handle ports.NotificationHandle) {
	l.inbox.Close(handle.ID)
}

// HandleMessage feeds an inbound chat message into the inbox, keyed by the
// sender address the summary went to. A bare answer while several visitors
// wait on the same resident is sent back with a request for the code.
func (l *Lark) HandleMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	message := event.Event.Message
	if message.MessageType == nil || *message.MessageType != larkim.MsgTypeText || message.Content == nil {
		return nil
	}
	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(*message.Content), &content); err != nil {
		return nil
	}
	address := senderAddress(event.Event.Sender, l.receiveIDType)
	if address == "" {
		return nil
	}
	// Chatter that is not an answer, or arrives after the call ended, is ignored.
	_, err := l.inbox.DeliverToAddress(address, content.Text)
	if errors.Is(err, ErrAmbiguousReply) {
		codes := l.inbox.Codes(address)
		prompt := fmt.Sprintf("%d visitors are waiting (codes %s). Reply APPROVE <code> or DENY <code>.", len(codes), strings.Join(codes, ", "))
		if sendErr := l.sender.SendText(ctx, l.receiveIDType, address, prompt); sendErr != nil {
			return fmt.Errorf("lark: ask for reply code: %w", sendErr)
		}
	}
	return nil
}

func senderAddress(sender *larkim.EventSender, receiveIDType string) string {
	if sender == nil || sender.SenderId == nil {
		return ""
	}
	var value *string
	switch receiveIDType {
	case larkim.ReceiveIdTypeUserId:
		value = sender.SenderId.UserId
	case larkim.ReceiveIdTypeUnionId:
		value = sender.SenderId.UnionId
	default:
		value = sender.SenderId.OpenId
	}
	if value == nil {
		return ""
	}
	return *value
}

// Listen holds the Lark long connection until ctx ends.
func (l *Lark) Listen(ctx context.Context) error {
	handler := dispatcher.NewEventDispatcher("", "").OnP2MessageReceiveV1(l.HandleMessage)
	client := larkws.NewClient(l.appID, l.appSecret, larkws.WithEventHandler(handler))
	return client.Start(ctx)
}
