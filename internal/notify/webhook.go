package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/types"
)

// DefaultTimeout bounds one webhook delivery
const DefaultTimeout = 10 * time.Second

// Webhook formats
const (
	FormatGeneric = "generic"
	FormatSlack   = "slack"
	FormatTeams   = "teams"
	FormatDiscord = "discord"
)

// WebhookPayload is the generic JSON body
type WebhookPayload struct {
	Event       EventType           `json:"event"`
	Timestamp   time.Time           `json:"timestamp"`
	Environment string              `json:"environment"`
	Title       string              `json:"title"`
	Message     string              `json:"message,omitempty"`
	ReportID    string              `json:"report_id,omitempty"`
	ApprovalID  string              `json:"approval_id,omitempty"`
	Summary     *types.DriftSummary `json:"summary,omitempty"`
	Findings    []WebhookFinding    `json:"findings,omitempty"`
	Fields      map[string]string   `json:"fields,omitempty"`
	Source      string              `json:"source"`
}

// WebhookFinding is a finding as sent to webhooks
type WebhookFinding struct {
	Kind       string `json:"kind"`
	ResourceID string `json:"resource_id"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

// WebhookOptions configures a WebhookNotifier
type WebhookOptions struct {
	URL      string
	Format   string
	Timeout  time.Duration
	Username string
}

// WebhookNotifier posts events to a webhook URL
type WebhookNotifier struct {
	url      string
	format   string
	username string
	client   *http.Client
	log      logrus.FieldLogger
}

// NewWebhookNotifier creates a notifier. An empty format is inferred from
// the URL host.
func NewWebhookNotifier(opts WebhookOptions, log logrus.FieldLogger) (*WebhookNotifier, error) {
	if opts.URL == "" {
		return nil, vahtierrors.ConfigurationError("webhook_url is empty")
	}
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, vahtierrors.ConfigurationError(fmt.Sprintf("invalid webhook_url %q", opts.URL))
	}

	format := strings.ToLower(opts.Format)
	if format == "" {
		format = inferFormat(u)
	}
	switch format {
	case FormatGeneric, FormatSlack, FormatTeams, FormatDiscord:
	default:
		return nil, vahtierrors.ConfigurationError(fmt.Sprintf("unknown notify.format %q", opts.Format)).
			WithSolutions("Use one of: generic, slack, teams, discord")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if opts.Username == "" {
		opts.Username = "vahti"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &WebhookNotifier{
		url:      opts.URL,
		format:   format,
		username: opts.Username,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

// Format returns the payload format in use
func (w *WebhookNotifier) Format() string {
	return w.format
}

// Notify posts the event. Transport errors and non-2xx responses are
// returned as NotificationFailure.
func (w *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	var payload interface{}
	switch w.format {
	case FormatSlack:
		payload = w.slackPayload(event)
	case FormatTeams:
		payload = teamsPayload(event)
	case FormatDiscord:
		payload = w.discordPayload(event)
	default:
		payload = genericPayload(event)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return vahtierrors.NotificationFailure(fmt.Errorf("failed to marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return vahtierrors.NotificationFailure(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vahti")

	resp, err := w.client.Do(req)
	if err != nil {
		return vahtierrors.NotificationFailure(fmt.Errorf("failed to send webhook: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return vahtierrors.NotificationFailure(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	w.log.WithFields(logrus.Fields{
		"event":  event.Type,
		"format": w.format,
		"status": resp.StatusCode,
	}).Debug("Webhook delivered")
	return nil
}

func inferFormat(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch {
	case strings.HasSuffix(host, "slack.com"):
		return FormatSlack
	case strings.Contains(host, "office.com") || strings.Contains(host, "logic.azure.com"):
		return FormatTeams
	case strings.HasSuffix(host, "discord.com") || strings.HasSuffix(host, "discordapp.com"):
		return FormatDiscord
	default:
		return FormatGeneric
	}
}

func genericPayload(event Event) WebhookPayload {
	payload := WebhookPayload{
		Event:       event.Type,
		Timestamp:   event.Timestamp,
		Environment: event.Environment,
		Title:       titleOf(event),
		Message:     event.Message,
		ReportID:    event.ReportID,
		ApprovalID:  event.ApprovalID,
		Summary:     event.Summary,
		Fields:      event.Fields,
		Source:      "vahti",
	}
	for _, f := range event.Findings {
		payload.Findings = append(payload.Findings, WebhookFinding{
			Kind:       string(f.Kind),
			ResourceID: f.ResourceID,
			Severity:   string(f.Severity),
			Message:    f.Message,
		})
	}
	return payload
}

func (w *WebhookNotifier) slackPayload(event Event) map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Environment", "value": event.Environment, "short": true},
	}
	if event.ReportID != "" {
		fields = append(fields, map[string]interface{}{"title": "Report", "value": event.ReportID, "short": true})
	}
	if event.ApprovalID != "" {
		fields = append(fields, map[string]interface{}{"title": "Approval", "value": event.ApprovalID, "short": true})
	}
	if event.Summary != nil {
		fields = append(fields, map[string]interface{}{"title": "Summary", "value": summaryLine(event.Summary), "short": false})
	}
	if len(event.Findings) > 0 {
		fields = append(fields, map[string]interface{}{
			"title": "Top findings",
			"value": fmt.Sprintf("```\n%s\n```", strings.Join(findingLines(event.Findings), "\n")),
			"short": false,
		})
	}
	for _, k := range sortedKeys(event.Fields) {
		fields = append(fields, map[string]interface{}{"title": k, "value": event.Fields[k], "short": true})
	}

	return map[string]interface{}{
		"username": w.username,
		"text":     titleOf(event),
		"attachments": []map[string]interface{}{
			{
				"color":  slackColor(event.Type),
				"text":   event.Message,
				"fields": fields,
				"ts":     event.Timestamp.Unix(),
			},
		},
	}
}

func teamsPayload(event Event) map[string]interface{} {
	facts := []map[string]string{{"name": "Environment", "value": event.Environment}}
	if event.ReportID != "" {
		facts = append(facts, map[string]string{"name": "Report", "value": event.ReportID})
	}
	if event.ApprovalID != "" {
		facts = append(facts, map[string]string{"name": "Approval", "value": event.ApprovalID})
	}
	if event.Summary != nil {
		facts = append(facts, map[string]string{"name": "Summary", "value": summaryLine(event.Summary)})
	}
	for _, k := range sortedKeys(event.Fields) {
		facts = append(facts, map[string]string{"name": k, "value": event.Fields[k]})
	}

	text := event.Message
	if len(event.Findings) > 0 {
		text = strings.TrimSpace(text + "\n\n" + strings.Join(findingLines(event.Findings), "\n\n"))
	}

	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": strings.TrimPrefix(hexColor(event.Type), "#"),
		"summary":    titleOf(event),
		"sections": []map[string]interface{}{
			{
				"activityTitle": titleOf(event),
				"text":          text,
				"facts":         facts,
			},
		},
	}
}

func (w *WebhookNotifier) discordPayload(event Event) map[string]interface{} {
	var fields []map[string]interface{}
	fields = append(fields, map[string]interface{}{"name": "Environment", "value": event.Environment, "inline": true})
	if event.ReportID != "" {
		fields = append(fields, map[string]interface{}{"name": "Report", "value": event.ReportID, "inline": true})
	}
	if event.ApprovalID != "" {
		fields = append(fields, map[string]interface{}{"name": "Approval", "value": event.ApprovalID, "inline": true})
	}
	if len(event.Findings) > 0 {
		fields = append(fields, map[string]interface{}{
			"name":  "Top findings",
			"value": strings.Join(findingLines(event.Findings), "\n"),
		})
	}

	description := event.Message
	if event.Summary != nil {
		description = strings.TrimSpace(description + "\n" + summaryLine(event.Summary))
	}

	color, _ := strconv.ParseInt(strings.TrimPrefix(hexColor(event.Type), "#"), 16, 64)

	return map[string]interface{}{
		"username": w.username,
		"embeds": []map[string]interface{}{
			{
				"title":       titleOf(event),
				"description": description,
				"color":       color,
				"fields":      fields,
				"timestamp":   event.Timestamp.Format(time.RFC3339),
			},
		},
	}
}

func titleOf(event Event) string {
	if event.Title != "" {
		return event.Title
	}
	title := strings.ReplaceAll(string(event.Type), "_", " ")
	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}
	if event.Environment != "" {
		title += " in " + event.Environment
	}
	return title
}

func summaryLine(s *types.DriftSummary) string {
	return fmt.Sprintf("%d findings (%d critical, %d warning, %d info)",
		s.Total,
		s.BySeverity[types.SeverityCritical],
		s.BySeverity[types.SeverityWarning],
		s.BySeverity[types.SeverityInfo])
}

func findingLines(findings []types.DriftFinding) []string {
	lines := make([]string, len(findings))
	for i, f := range findings {
		lines[i] = f.String()
	}
	return lines
}

// slackColor maps an event to a Slack attachment color
func slackColor(t EventType) string {
	switch t {
	case EventRemediationCompleted:
		return "good"
	case EventApprovalRequired, EventDriftDetected, EventApprovalExpired:
		return "warning"
	case EventRemediationFailed, EventMonitorHalted:
		return "danger"
	default:
		return hexColor(t)
	}
}

func hexColor(t EventType) string {
	switch t {
	case EventRemediationCompleted:
		return "#2EB67D"
	case EventDriftDetected, EventApprovalRequired, EventApprovalExpired:
		return "#ECB22E"
	case EventRemediationFailed, EventMonitorHalted:
		return "#E01E5A"
	default:
		return "#36C5F0"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
