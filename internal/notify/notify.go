// Package notify posts task terminal events to a Discord-compatible
// webhook. Delivery is best-effort; a lost notification never fails the
// owning task.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"leverage-lab/internal/domain"
	"leverage-lab/internal/observability"
)

// WebhookEnvVar names the environment variable carrying the webhook URL.
const WebhookEnvVar = "DISCORD_WEBHOOK_URL"

const (
	maxAttempts    = 3
	defaultBackoff = 500 * time.Millisecond
	requestTimeout = 10 * time.Second
)

// Webhook delivers task notifications over HTTP POST.
type Webhook struct {
	url     string
	client  *http.Client
	backoff time.Duration
	verbose bool
}

// Options for creating Webhook.
type Options struct {
	// URL overrides the environment variable. Empty falls back to
	// DISCORD_WEBHOOK_URL; if that is also empty the webhook is disabled.
	URL string

	// Client overrides the HTTP client, for tests.
	Client *http.Client

	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration

	Verbose bool
}

// NewWebhook creates a Webhook. A missing URL yields a disabled
// instance whose methods are no-ops.
func NewWebhook(opts Options) *Webhook {
	url := opts.URL
	if url == "" {
		url = os.Getenv(WebhookEnvVar)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Webhook{
		url:     url,
		client:  client,
		backoff: backoff,
		verbose: opts.Verbose,
	}
}

// Enabled reports whether a webhook URL is configured.
func (w *Webhook) Enabled() bool {
	return w.url != ""
}

// TaskTerminated formats and delivers one terminal event. Early exits
// get a detailed message with remediation hints; completions and errors
// get a one-line summary.
func (w *Webhook) TaskTerminated(ctx context.Context, result *domain.AnalysisResult, taskErr error) {
	if !w.Enabled() || result == nil {
		return
	}

	var content string
	if result.EarlyExit {
		content = earlyExitMessage(result)
	} else {
		content = simpleMessage(result, taskErr)
	}

	if err := w.post(ctx, content); err != nil {
		log.Printf("[notify] webhook delivery failed for %s: %v", result.ExecutionID, err)
	}
}

// earlyExitMessage renders the detailed no-signal style.
func earlyExitMessage(result *domain.AnalysisResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ **%s %s/%s** stopped at `%s`: %s\n",
		result.Symbol, result.Timeframe, result.Strategy, result.ExitStage, result.ExitReason)
	fmt.Fprintf(&b, "Data points: %d, execution: `%s`\n", result.TotalDataPoints, result.ExecutionID)
	if suggestions := result.Suggestions(); len(suggestions) > 0 {
		b.WriteString("Suggestions:\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "• %s\n", s)
		}
	}
	return b.String()
}

// simpleMessage renders the one-line completion or error style.
func simpleMessage(result *domain.AnalysisResult, taskErr error) string {
	if taskErr != nil {
		return fmt.Sprintf("❌ %s (%v)", result.UserMessage(), taskErr)
	}
	return "✅ " + result.UserMessage()
}

// post delivers the payload with bounded retries and exponential
// backoff between attempts.
func (w *Webhook) post(ctx context.Context, content string) error {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}

	var lastErr error
	delay := w.backoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			observability.RecordWebhookDelivery("success")
			w.log("delivered after %d attempt(s)", attempt)
			return nil
		}
		lastErr = fmt.Errorf("webhook returned %s", resp.Status)
	}
	observability.RecordWebhookDelivery("failure")
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, lastErr)
}

func (w *Webhook) log(format string, args ...interface{}) {
	if w.verbose {
		log.Printf("[notify] "+format, args...)
	}
}
