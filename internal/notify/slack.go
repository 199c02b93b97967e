package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johndauphine/redis-pg-sync/internal/config"
)

const appName = "redis-pg-sync"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color      string       `json:"color,omitempty"`
	Title      string       `json:"title,omitempty"`
	Text       string       `json:"text,omitempty"`
	Fields     []SlackField `json:"fields,omitempty"`
	Footer     string       `json:"footer,omitempty"`
	FooterIcon string       `json:"footer_icon,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// WorkerStarted sends notification when a worker starts
func (n *Notifier) WorkerStarted(job, workerID, pattern string, tableCount int) error {
	if !n.IsEnabled() {
		return nil
	}

	return n.send(n.message(":rocket:", SlackAttachment{
		Color: "#36a64f", // green
		Title: "Sync Worker Started",
		Fields: []SlackField{
			{Title: "Job", Value: job, Short: true},
			{Title: "Worker", Value: workerID, Short: true},
			{Title: "Pattern", Value: pattern, Short: true},
			{Title: "Tables", Value: fmt.Sprintf("%d", tableCount), Short: true},
		},
	}))
}

// WorkerStopped sends notification when a worker shuts down
func (n *Notifier) WorkerStopped(job, workerID string, uptime time.Duration, cycles int, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	att := SlackAttachment{
		Color: "#36a64f",
		Title: "Sync Worker Stopped",
		Fields: []SlackField{
			{Title: "Job", Value: job, Short: true},
			{Title: "Worker", Value: workerID, Short: true},
			{Title: "Uptime", Value: formatDuration(uptime), Short: true},
			{Title: "Cycles", Value: formatNumberWithCommas(int64(cycles)), Short: true},
		},
	}
	icon := ":octagonal_sign:"
	if err != nil {
		icon = ":x:"
		att.Color = "#dc3545" // red
		att.Fields = append(att.Fields, SlackField{Title: "Error", Value: truncate(err.Error()), Short: false})
	}
	return n.send(n.message(icon, att))
}

// TableQuarantined sends notification when a table batch is quarantined
func (n *Notifier) TableQuarantined(job, table string, records int, cause error) error {
	if !n.IsEnabled() {
		return nil
	}

	return n.send(n.message(":warning:", SlackAttachment{
		Color: "#ffc107", // yellow
		Title: "Table Batch Quarantined",
		Text:  fmt.Sprintf("%s records for %s were moved to the failure history.", formatNumberWithCommas(int64(records)), table),
		Fields: []SlackField{
			{Title: "Job", Value: job, Short: true},
			{Title: "Table", Value: table, Short: true},
			{Title: "Error", Value: errText(cause), Short: false},
		},
	}))
}

// QuarantineFailed sends notification when failure rows could not be stored
func (n *Notifier) QuarantineFailed(job string, tables []string, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	return n.send(n.message(":x:", SlackAttachment{
		Color: "#dc3545",
		Title: "Failure History Write Failed",
		Text:  "Affected keys stay in the cache and will be retried.",
		Fields: []SlackField{
			{Title: "Job", Value: job, Short: true},
			{Title: "Tables", Value: summarizeTables(tables), Short: true},
			{Title: "Error", Value: errText(err), Short: false},
		},
	}))
}

// CacheUnavailable sends notification when the cache cannot be reached
func (n *Notifier) CacheUnavailable(job string, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	return n.send(n.message(":rotating_light:", SlackAttachment{
		Color: "#dc3545",
		Title: "Cache Unavailable",
		Fields: []SlackField{
			{Title: "Job", Value: job, Short: true},
			{Title: "Error", Value: errText(err), Short: false},
		},
	}))
}

func (n *Notifier) message(icon string, att SlackAttachment) SlackMessage {
	att.Footer = appName
	att.Timestamp = time.Now().Unix()
	return SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Attachments: []SlackAttachment{att},
	}
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
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

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return appName
}

func errText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return truncate(err.Error())
}

func truncate(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}

func summarizeTables(tables []string) string {
	if len(tables) <= 5 {
		return strings.Join(tables, ", ")
	}
	return fmt.Sprintf("%s... and %d more", strings.Join(tables[:3], ", "), len(tables)-3)
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
