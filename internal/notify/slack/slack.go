// Package slack sends dispatch notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/carepath/internal/workflow"
)

const (
	maxDescriptionLen = 1500
	maxBackups        = 3
	httpTimeout       = 10 * time.Second
)

// Notifier sends case results to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

var _ workflow.Notifier = (*Notifier)(nil)

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Notify posts a case result to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, result *workflow.Result) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(result)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "slack notification sent", "case_id", result.ID)
	return nil
}

func buildMessage(r *workflow.Result) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			assignmentBlock(r),
			descriptionBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *workflow.Result) map[string]any {
	title := "Emergency dispatch"
	if r.Route != nil && r.Route.DowngradedFrom != "" {
		title = fmt.Sprintf("Dispatch (downgraded from %s)", r.Route.DowngradedFrom)
	}
	text := fmt.Sprintf("%s %s: %s", priorityEmoji(priority(r)), title, r.ID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *workflow.Result) map[string]any {
	specialty := "-"
	if r.Case != nil && r.Case.Specialty != "" {
		specialty = r.Case.Specialty
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %d", priority(r)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Specialty:* %s", specialty),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Route:* %s", r.RouteType()),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", r.Duration),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Degraded stages:* %d", len(r.Failures)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func assignmentBlock(r *workflow.Result) map[string]any {
	var sb strings.Builder
	sb.WriteString("*Assignment*\n")
	a := r.Assignment
	if a == nil {
		sb.WriteString("_No resource assigned._")
	} else {
		fmt.Fprintf(&sb, "Primary: *%s* (%s, %.1f km, ETA %d min)",
			a.Primary.Name, a.Primary.ID, a.Primary.DistanceKM, a.Adjustment.ETAMinutes)
		if a.Adjustment.Congestion != "" {
			fmt.Fprintf(&sb, "\nTraffic: %s, +%d min", a.Adjustment.Congestion, a.Adjustment.DelayMinutes)
		}
		for i, b := range a.Backups {
			if i == maxBackups {
				fmt.Fprintf(&sb, "\n_+%d more_", len(a.Backups)-maxBackups)
				break
			}
			fmt.Fprintf(&sb, "\nBackup: %s (%s, %.1f km)", b.Name, b.ID, b.DistanceKM)
		}
		if h := a.ReceivingHospital; h != nil {
			fmt.Fprintf(&sb, "\nReceiving hospital: *%s* (%s, %.1f km)", h.Name, h.ID, h.DistanceKM)
		}
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": sb.String(),
		},
	}
}

func descriptionBlock(r *workflow.Result) map[string]any {
	text := ""
	if r.Case != nil {
		text = truncate(r.Case.Description, maxDescriptionLen)
	}
	if text == "" {
		text = "_No description._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Description*\n\n%s", text),
		},
	}
}

func contextBlock(r *workflow.Result) map[string]any {
	ts := r.CompletedAt
	if ts.IsZero() {
		ts = r.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("carepath • case %s • %s", r.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func priority(r *workflow.Result) int {
	if r.Case == nil {
		return 0
	}
	return r.Case.Priority
}

func priorityEmoji(p int) string {
	switch {
	case p >= 5:
		return "\U0001f534" // red circle
	case p == 4:
		return "\U0001f7e0" // orange circle
	default:
		return "\U0001f7e1" // yellow circle
	}
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
