// Package explain asks Claude for a plain-language reading of a drift
// report.
package explain

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	vahtierrors "github.com/yairfalse/vahti/internal/errors"
	"github.com/yairfalse/vahti/pkg/config"
	"github.com/yairfalse/vahti/pkg/types"
)

const systemPrompt = `You are an operations assistant reviewing infrastructure drift between a declared
container deployment and what is actually running. Explain the likely cause of each
group of findings, the risk of leaving it, and whether approving automatic remediation
is safe. Be concise and concrete. Do not invent resources that are not listed.`

// DefaultModel is used when ai.model is empty
const DefaultModel = "claude-sonnet-4-20250514"

// maxPromptFindings bounds how many findings are sent
const maxPromptFindings = 50

// ClaudeClient explains drift reports through the Anthropic messages API
type ClaudeClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	log       logrus.FieldLogger
}

// NewClaudeClient creates a client from the ai configuration section.
// Extra request options (base URL, retries) are passed through to the SDK.
func NewClaudeClient(cfg config.AIConfig, log logrus.FieldLogger, opts ...option.RequestOption) (*ClaudeClient, error) {
	if cfg.APIKey == "" {
		return nil, vahtierrors.ConfigurationError("no Anthropic API key configured").
			WithSolutions(
				"Export ANTHROPIC_API_KEY",
				"Or set ai.api_key in vahti.yaml",
			)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &ClaudeClient{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		log:       log,
	}, nil
}

// ExplainDrift returns the model's explanation of report
func (c *ClaudeClient) ExplainDrift(ctx context.Context, report *types.DriftReport) (string, error) {
	if !report.HasDrift {
		return "No drift: the environment matches its declared state.", nil
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(report))),
		},
	})
	if err != nil {
		return "", vahtierrors.Wrap(err, vahtierrors.ErrorTypeProvider, "explain", "Anthropic API request failed").
			WithSolutions("Check the API key and network access to api.anthropic.com")
	}

	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}

	c.log.WithFields(logrus.Fields{
		"report_id":     report.ID,
		"model":         c.model,
		"input_tokens":  message.Usage.InputTokens,
		"output_tokens": message.Usage.OutputTokens,
	}).Debug("Drift explained")

	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

// BuildPrompt renders a report as the user message
func BuildPrompt(report *types.DriftReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Environment: %s\n", report.Environment)
	fmt.Fprintf(&sb, "Report: %s (%s)\n", report.ID, report.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "Findings: %d (%d critical, %d warning, %d info)\n\n",
		report.Summary.Total,
		report.Summary.BySeverity[types.SeverityCritical],
		report.Summary.BySeverity[types.SeverityWarning],
		report.Summary.BySeverity[types.SeverityInfo])

	findings := types.TopFindings(report.Findings, maxPromptFindings)
	for _, f := range findings {
		fmt.Fprintf(&sb, "- [%s] %s %s", f.Severity, f.Kind, f.ResourceID)
		if f.Field != "" {
			fmt.Fprintf(&sb, " field=%s expected=%q actual=%q", f.Field, f.Expected, f.Actual)
		}
		fmt.Fprintf(&sb, ": %s\n", f.Message)
	}
	if rest := len(report.Findings) - len(findings); rest > 0 {
		fmt.Fprintf(&sb, "(%d lower-severity findings omitted)\n", rest)
	}
	return sb.String()
}
