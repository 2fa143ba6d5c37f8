package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
	"github.com/davidahmann/portero/core/telemetry"
)

type WebhookMessage struct {
	Handle   string               `json:"handle"`
	TenantID string               `json:"tenant_id"`
	CallID   string               `json:"call_id"`
	Resident access.ResidentRef   `json:"resident"`
	Summary  ports.VisitorSummary `json:"summary"`
	Text     string               `json:"text"`
	SentAt   time.Time            `json:"sent_at"`
}

// Webhook posts the visitor summary to a messaging gateway. The gateway
// answers later through the reply API, which feeds the inbox.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	inbox  *Inbox
	now    func() time.Time
}

func NewWebhook(url, token string, inbox *Inbox, client *http.Client) (*Webhook, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if inbox == nil {
		return nil, fmt.Errorf("webhook notifier requires an inbox")
	}
	return &Webhook{
		url:    trimmed,
		token:  strings.TrimSpace(token),
		client: telemetry.InstrumentClient(client),
		inbox:  inbox,
		now:    time.Now,
	}, nil
}

func (w *Webhook) Notify(ctx context.Context, resident access.ResidentRef, summary ports.VisitorSummary) (ports.NotificationHandle, error) {
	handle := newHandle(resident, summary, w.now)
	summary.ReplyCode = ports.ReplyCode(handle.ID)
	payload, err := json.Marshal(WebhookMessage{
		Handle:   handle.ID,
		TenantID: summary.TenantID,
		CallID:   summary.CallID,
		Resident: resident,
		Summary:  summary,
		Text:     summary.Text(),
		SentAt:   handle.SentAt,
	})
	if err != nil {
		return ports.NotificationHandle{}, fmt.Errorf("encode webhook message: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return ports.NotificationHandle{}, fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", handle.ID)
	if w.token != "" {
		request.Header.Set("Authorization", "Bearer "+w.token)
	}
	// Open before sending so an immediate reply is not lost.
	w.inbox.Open(handle.ID, resident.Address)
	response, err := w.client.Do(request)
	if err != nil {
		return ports.NotificationHandle{}, fmt.Errorf("%w: webhook: %v", ports.ErrUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return ports.NotificationHandle{}, fmt.Errorf("%w: webhook status %d", ports.ErrUnavailable, response.StatusCode)
	}
	return handle, nil
}

func (w *Webhook) AwaitReply(ctx context.Context, handle ports.NotificationHandle, deadline time.Time) (ports.Reply, error) {
	return w.inbox.AwaitReply(ctx, handle, deadline)
}

func (w *Webhook) Release(handle ports.NotificationHandle) {
	w.inbox.Close(handle.ID)
}
