package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"leverage-lab/internal/domain"
)

type capture struct {
	mu       sync.Mutex
	bodies   []string
	failures int // respond 500 for the first N requests
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, string(body))
	fail := len(c.bodies) <= c.failures
	c.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *capture) content(t *testing.T, i int) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var payload map[string]string
	if err := json.Unmarshal([]byte(c.bodies[i]), &payload); err != nil {
		t.Fatalf("payload %d not JSON: %v", i, err)
	}
	return payload["content"]
}

func completedResult() *domain.AnalysisResult {
	return &domain.AnalysisResult{
		Symbol:      "SOLUSDT",
		Timeframe:   "1h",
		Strategy:    "Moderate_TA",
		ExecutionID: "sym-add-1",
		Completed:   true,
	}
}

func earlyExitResult() *domain.AnalysisResult {
	return &domain.AnalysisResult{
		Symbol:          "SOLUSDT",
		Timeframe:       "1h",
		Strategy:        "Moderate_TA",
		ExecutionID:     "sym-add-1",
		EarlyExit:       true,
		ExitStage:       domain.ExitStageSupportResistance,
		ExitReason:      domain.ExitReasonNoSupportResistance,
		TotalDataPoints: 200,
	}
}

func newWebhook(url string) *Webhook {
	return NewWebhook(Options{URL: url, Backoff: time.Millisecond})
}

func TestTaskTerminated_SimpleCompletion(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	w := newWebhook(srv.URL)
	w.TaskTerminated(context.Background(), completedResult(), nil)

	if c.count() != 1 {
		t.Fatalf("delivered %d requests, want 1", c.count())
	}
	content := c.content(t, 0)
	if !strings.Contains(content, "SOLUSDT") || !strings.Contains(content, "signal detected") {
		t.Fatalf("unexpected content: %q", content)
	}
	if strings.Contains(content, "Suggestions") {
		t.Fatalf("completion used the early-exit style: %q", content)
	}
}

func TestTaskTerminated_EarlyExitDetail(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	w := newWebhook(srv.URL)
	w.TaskTerminated(context.Background(), earlyExitResult(), nil)

	if c.count() != 1 {
		t.Fatalf("delivered %d requests, want 1", c.count())
	}
	content := c.content(t, 0)
	for _, want := range []string{"support_resistance", "no_support_resistance", "Suggestions", "min_touch_count"} {
		if !strings.Contains(content, want) {
			t.Fatalf("early-exit message missing %q: %q", want, content)
		}
	}
}

func TestTaskTerminated_RetriesThenSucceeds(t *testing.T) {
	c := &capture{failures: 2}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	w := newWebhook(srv.URL)
	w.TaskTerminated(context.Background(), completedResult(), nil)

	if c.count() != 3 {
		t.Fatalf("made %d attempts, want 3", c.count())
	}
}

func TestTaskTerminated_GivesUpAfterThreeAttempts(t *testing.T) {
	c := &capture{failures: 10}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	w := newWebhook(srv.URL)
	// Must not panic or block; failure is logged only.
	w.TaskTerminated(context.Background(), completedResult(), nil)

	if c.count() != 3 {
		t.Fatalf("made %d attempts, want 3", c.count())
	}
}

func TestTaskTerminated_DisabledWithoutURL(t *testing.T) {
	t.Setenv(WebhookEnvVar, "")

	w := NewWebhook(Options{})
	if w.Enabled() {
		t.Fatal("webhook enabled without a URL")
	}
	// No URL means no delivery attempt and no error.
	w.TaskTerminated(context.Background(), completedResult(), nil)
}

func TestTaskTerminated_ErrorStyle(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	result := completedResult()
	result.Completed = false
	result.ExitReason = domain.ExitReasonExecutionError
	result.ErrorDetails = "leverage engine: boom"

	w := newWebhook(srv.URL)
	w.TaskTerminated(context.Background(), result, context.DeadlineExceeded)

	content := c.content(t, 0)
	if !strings.Contains(content, "analysis error") {
		t.Fatalf("error style missing summary: %q", content)
	}
}
