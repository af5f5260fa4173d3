package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FlagDetected("email")
	m.MessageBlocked()
	m.RateLimitDecision("link_child", "denied")
	m.PurgeRun("http", "ok", 1, 2)
	m.SubscriberOpened()
	m.SubscriberClosed()
}

func TestCountersAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.FlagDetected("email")
	m.FlagDetected("email")
	m.RateLimitDecision("link_child", "denied")
	m.PurgeRun("schedule", "ok", 3, 1)

	if got := testutil.ToFloat64(m.flagsDetected.WithLabelValues("email")); got != 2 {
		t.Fatalf("expected 2 email flags, got %v", got)
	}
	if got := testutil.ToFloat64(m.purgedRecords.WithLabelValues("messages")); got != 3 {
		t.Fatalf("expected 3 purged messages, got %v", got)
	}

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "mentorly_rate_limit_decisions_total") {
		t.Fatalf("expected rate limit counter in exposition output")
	}
}
