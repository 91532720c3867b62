// Package notify posts launch phase notifications to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/gowe-launcher/pkg/model"
)

// Phase names a notified part of a launch.
type Phase string

const (
	PhaseProvisionInput  Phase = "PROVISION_INPUT"
	PhaseRun             Phase = "RUN"
	PhaseProvisionOutput Phase = "PROVISION_OUTPUT"
	PhaseCompleted       Phase = "COMPLETED"
)

// PhaseOf maps a launch state to the phase it belongs to.
func PhaseOf(s model.LaunchState) Phase {
	switch s {
	case model.LaunchStateExecuting:
		return PhaseRun
	case model.LaunchStateReconcilingOutputs, model.LaunchStateUploadingOutputs:
		return PhaseProvisionOutput
	case model.LaunchStateCompleted:
		return PhaseCompleted
	default:
		return PhaseProvisionInput
	}
}

// Message is the JSON body posted for each notification. Text is set so
// chat webhooks that only read "text" display something useful.
type Message struct {
	Text      string    `json:"text"`
	UUID      string    `json:"uuid"`
	LaunchID  string    `json:"launch_id,omitempty"`
	Phase     Phase     `json:"phase"`
	Success   bool      `json:"success"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives launch phase notifications.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Webhook posts messages to a URL. A Webhook with an empty URL sends nothing.
type Webhook struct {
	URL        string
	UUID       string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewWebhook creates a Webhook. uuid tags every message; when empty each
// message carries its launch ID instead.
func NewWebhook(url, uuid string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		URL:        url,
		UUID:       uuid,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger.With("component", "notify"),
	}
}

// Notify posts msg. Any non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	if w.URL == "" {
		return nil
	}
	if msg.UUID == "" {
		msg.UUID = w.UUID
	}
	if msg.UUID == "" {
		msg.UUID = msg.LaunchID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Text == "" {
		msg.Text = formatText(msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	w.Logger.Debug("sending notification", "url", w.URL, "phase", msg.Phase, "success", msg.Success)
	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}

func formatText(msg Message) string {
	status := "succeeded"
	if !msg.Success {
		status = "failed"
	}
	if msg.Phase != PhaseCompleted && msg.Success {
		status = "started"
	}
	return fmt.Sprintf("%s: %s %s", msg.UUID, msg.Phase, status)
}
