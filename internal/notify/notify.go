// Package notify posts merge outcomes to a Discord webhook. Sends are best
// effort: a failed or rejected notification is logged and dropped, never
// surfaced to the caller, so the job outcome stays authoritative.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/snapetech/epgmerge/internal/metrics"
	"github.com/snapetech/epgmerge/internal/store"
)

const sendTimeout = 15 * time.Second

// Discord embed accent colors.
const (
	colorGreen = 0x2ECC71
	colorRed   = 0xE74C3C
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields"`
	Timestamp string       `json:"timestamp"`
}

type payload struct {
	Embeds []embed `json:"embeds"`
}

// Notifier delivers webhook payloads. The zero value is not usable; call New.
type Notifier struct {
	client *http.Client
}

func New(client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	return &Notifier{client: client}
}

// MergeCompleted announces a successful scheduled merge using the terminal
// job record's fields.
func (n *Notifier) MergeCompleted(ctx context.Context, webhookURL string, job store.Job) {
	n.send(ctx, webhookURL, successPayload(job))
}

// MergeFailed announces a failed or timed-out merge.
func (n *Notifier) MergeFailed(ctx context.Context, webhookURL string, job store.Job) {
	n.send(ctx, webhookURL, failurePayload(job))
}

func successPayload(job store.Job) payload {
	created := job.StartedAt
	if job.CompletedAt != nil {
		created = *job.CompletedAt
	}
	return payload{Embeds: []embed{{
		Title: "Scheduled Merge Completed",
		Color: colorGreen,
		Fields: []embedField{
			{Name: "Filename", Value: orDash(job.MergeFilename), Inline: true},
			{Name: "Created", Value: created.UTC().Format(time.RFC3339), Inline: true},
			{Name: "Size", Value: orDash(job.FileSize), Inline: true},
			{Name: "Channels", Value: fmt.Sprintf("%d", job.ChannelsIncluded), Inline: true},
			{Name: "Programs", Value: fmt.Sprintf("%d", job.ProgramsIncluded), Inline: true},
			{Name: "Days", Value: fmt.Sprintf("%d", job.DaysIncluded), Inline: true},
			{Name: "Memory", Value: fmt.Sprintf("%.1fMB", job.PeakMemoryMB), Inline: true},
			{Name: "Duration", Value: fmt.Sprintf("%.1fs", job.ExecutionTimeSeconds), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}}
}

func failurePayload(job store.Job) payload {
	return payload{Embeds: []embed{{
		Title: "Scheduled Merge Failed",
		Color: colorRed,
		Fields: []embedField{
			{Name: "Error message", Value: orDash(job.ErrorMessage), Inline: false},
			{Name: "Job ID", Value: job.JobID, Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}}}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// send posts the payload. Errors and non-2xx responses are logged against
// the redacted webhook URL and otherwise ignored.
func (n *Notifier) send(ctx context.Context, webhookURL string, p payload) {
	if webhookURL == "" {
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		log.Printf("notify: encode payload: %v", err)
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("notify: %s: %v", Redact(webhookURL), err)
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("notify: post %s: %v", Redact(webhookURL), err)
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("notify: %s returned %d, payload discarded", Redact(webhookURL), resp.StatusCode)
		metrics.NotificationsTotal.WithLabelValues("rejected").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}

// Redact strips path and query from a webhook URL so the token never lands
// in a log line.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "webhook"
	}
	return u.Scheme + "://" + u.Host
}
