package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/johndauphine/pipeline-state/internal/config"
	"github.com/johndauphine/pipeline-state/internal/state"
)

const (
	footer          = "pipeline-state"
	maxErrorLength  = 500
	maxListedTables = 5
)

// severity selects the attachment color and icon of a message.
type severity int

const (
	severityInfo severity = iota
	severitySuccess
	severityWarning
	severityFailure
)

var severityStyle = map[severity]struct{ color, emoji string }{
	severityInfo:    {"#36a64f", ":rocket:"},
	severitySuccess: {"#36a64f", ":white_check_mark:"},
	severityWarning: {"#ffc107", ":warning:"},
	severityFailure: {"#dc3545", ":x:"},
}

// Notifier posts pipeline events to a Slack incoming webhook.
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
	now        func() time.Time
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is a colored block of fields.
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is one title/value pair.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func short(title, value string) SlackField { return SlackField{Title: title, Value: value, Short: true} }
func long(title, value string) SlackField  { return SlackField{Title: title, Value: value} }

// New creates a notifier. A nil config or one without a webhook URL
// disables it.
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{}
	}
	return &Notifier{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config.Enabled && n.config.WebhookURL != ""
}

func (n *Notifier) PipelineStarted(runID, extractionDate string, tableCount, restartCount int) error {
	title := "Pipeline Started"
	if restartCount > 0 {
		title = fmt.Sprintf("Pipeline Resumed (restart %d)", restartCount)
	}
	return n.post(severityInfo, "", title,
		short("Run ID", runID),
		short("Tables", fmt.Sprint(tableCount)),
		short("Extraction Date", extractionDate),
	)
}

func (n *Notifier) PipelineCompleted(p state.Progress, records int64) error {
	text := fmt.Sprintf("Extraction pipeline completed successfully. Extracted %d tables with %s total records.",
		p.CompletedTables, humanize.Comma(records))
	return n.post(severitySuccess, text, "",
		short("Run ID", p.RunID),
		short("Extraction Date", p.ExtractionDate),
		short("Started", p.StartTime.UTC().Format("2006-01-02 15:04:05 UTC")),
		short("Duration", formatDuration(seconds(p.ElapsedSeconds))),
		short("Tables", fmt.Sprint(p.CompletedTables)),
		short("Total Records", humanize.Comma(records)),
	)
}

func (n *Notifier) PipelineCompletedWithErrors(p state.Progress, records int64, failures []string) error {
	text := fmt.Sprintf("Extraction pipeline finished with status %s. %d tables completed, %d failed, %d skipped. Extracted %s records.",
		p.Status, p.CompletedTables, p.FailedTables, p.SkippedTables, humanize.Comma(records))
	fields := []SlackField{
		short("Run ID", p.RunID),
		short("Extraction Date", p.ExtractionDate),
		short("Duration", formatDuration(seconds(p.ElapsedSeconds))),
		short("Completed", fmt.Sprintf("%d tables", p.CompletedTables)),
		short("Failed", fmt.Sprintf("%d tables", p.FailedTables+p.SkippedTables)),
		short("Restarts", fmt.Sprint(p.RestartCount)),
	}
	if len(failures) > 0 {
		fields = append(fields, long("Failed Tables", summarizeTables(failures)))
	}
	return n.post(severityWarning, text, "", fields...)
}

func (n *Notifier) PipelineFailed(runID string, err error, duration time.Duration) error {
	return n.post(severityFailure, "", "Pipeline Failed",
		short("Run ID", runID),
		short("Duration", duration.Round(time.Second).String()),
		long("Error", errorText(err)),
	)
}

func (n *Notifier) TableExtractionFailed(runID, tableKey string, err error) error {
	return n.post(severityWarning, "", "Table Extraction Failed",
		short("Run ID", runID),
		short("Table", tableKey),
		long("Error", errorText(err)),
	)
}

// post sends one message with a single attachment. It is a no-op when
// notifications are disabled.
func (n *Notifier) post(sev severity, text, title string, fields ...SlackField) error {
	if !n.IsEnabled() {
		return nil
	}
	style := severityStyle[sev]
	username := n.config.Username
	if username == "" {
		username = footer
	}

	payload, err := json.Marshal(SlackMessage{
		Channel:   n.config.Channel,
		Username:  username,
		IconEmoji: style.emoji,
		Text:      text,
		Attachments: []SlackAttachment{{
			Color:     style.color,
			Title:     title,
			Fields:    fields,
			Footer:    footer,
			Timestamp: n.now().Unix(),
		}},
	})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}
	return nil
}

// summarizeTables lists up to maxListedTables keys, then the first three
// and a count.
func summarizeTables(keys []string) string {
	if len(keys) <= maxListedTables {
		return "Failed tables: " + strings.Join(keys, ", ")
	}
	return fmt.Sprintf("Failed tables: %s... and %d more", strings.Join(keys[:3], ", "), len(keys)-3)
}

func errorText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength] + "..."
	}
	return msg
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// formatDuration renders d as "1h 2m 3s", dropping leading zero units.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
