package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestEventDropCounterRendered(t *testing.T) {
	IncEventDrop("env-sensor")
	IncEventDrop("env-sensor")

	body := scrape(t)
	if !strings.Contains(body, `nodectl_lifecycle_events_dropped_total{plugin="env-sensor"} 2`) {
		t.Fatalf("drop counter missing from exposition:\n%s", body)
	}
}

func TestCommandCounterSplitsByOutcome(t *testing.T) {
	ObserveCommand("start", nil)
	ObserveCommand("start", errors.New("boom"))

	body := scrape(t)
	if !strings.Contains(body, `nodectl_commands_total{action="start",outcome="ok"} 1`) {
		t.Fatalf("ok outcome missing:\n%s", body)
	}
	if !strings.Contains(body, `nodectl_commands_total{action="start",outcome="error"} 1`) {
		t.Fatalf("error outcome missing:\n%s", body)
	}
}
