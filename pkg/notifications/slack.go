// Package notifications reports finished ingestions to chat webhooks.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/irevoire/meilisearch-upload-milli-benchmark-to-rebenchdb/pkg/pipeline"
)

const (
	slackHTTPTimeout = 10 * time.Second
	slackUsername    = "milli benchmark uploader"
)

// SlackNotifier posts ingestion summaries to a Slack webhook.
type SlackNotifier struct {
	WebhookURL string
	Channel    string
	HTTPClient *http.Client
	now        func() time.Time
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		Channel:    channel,
		HTTPClient: &http.Client{Timeout: slackHTTPTimeout},
		now:        time.Now,
	}
}

type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string             `json:"color"`
	Title     string             `json:"title"`
	Text      string             `json:"text,omitempty"`
	Fields    []slackAttachField `json:"fields,omitempty"`
	Footer    string             `json:"footer,omitempty"`
	Timestamp int64              `json:"ts,omitempty"`
}

type slackAttachField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NotifySummary posts the outcome of one ingestion run.
func (s *SlackNotifier) NotifySummary(ctx context.Context, runID string, summary pipeline.Summary) error {
	if s.WebhookURL == "" {
		return errors.New("slack webhook URL not configured")
	}

	fields := []slackAttachField{
		{Title: "Delivered", Value: strconv.Itoa(summary.Delivered), Short: true},
		{Title: "Failed", Value: strconv.Itoa(summary.Failed), Short: true},
		{Title: "Rejected by ReBenchDB", Value: strconv.Itoa(summary.SinkFailed), Short: true},
		{Title: "Skipped", Value: strconv.Itoa(summary.Skipped), Short: true},
	}
	kinds := make([]string, 0, len(summary.Kinds))
	for kind := range summary.Kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fields = append(fields, slackAttachField{Title: kind, Value: strconv.Itoa(summary.Kinds[kind]), Short: true})
	}

	color, emoji := summaryStyle(summary)
	msg := slackMessage{
		Channel:   s.Channel,
		Username:  slackUsername,
		IconEmoji: emoji,
		Text:      fmt.Sprintf("*Benchmark ingestion finished*: %d of %d reports delivered", summary.Delivered, summary.Total()),
		Attachments: []slackAttachment{
			{
				Color:     color,
				Title:     "Run " + runID,
				Fields:    fields,
				Footer:    slackUsername,
				Timestamp: s.now().Unix(),
			},
		},
	}
	if summary.SinkFailed > 0 {
		msg.Attachments[0].Text = "Make sure your rebenchDB server is up"
	}

	return s.sendSlackMessage(ctx, msg)
}

func (s *SlackNotifier) sendSlackMessage(ctx context.Context, msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal slack message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create slack request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send slack notification")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("slack API returned status %d", resp.StatusCode)
	}
	return nil
}

// summaryStyle picks the attachment color and emoji: red when ReBenchDB
// refused submissions, orange when some reports failed.
func summaryStyle(summary pipeline.Summary) (string, string) {
	switch {
	case summary.SinkFailed > 0:
		return "danger", ":rotating_light:"
	case summary.Failed > 0:
		return "warning", ":warning:"
	default:
		return "good", ":white_check_mark:"
	}
}
