package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/postalsys/muster/internal/dispatch"
)

func sampleResults() []dispatch.Result {
	return []dispatch.Result{
		{Node: "alpha", Outcome: dispatch.OutcomeSuccess, Payload: "up 3 days", Elapsed: 120 * time.Millisecond},
		{Node: "bravo", Outcome: dispatch.OutcomeTimeout, Reason: "timed out after 30s", Elapsed: 30 * time.Second},
		{Node: "charlie", Outcome: dispatch.OutcomeConnectionFailed, Reason: "connection refused", Elapsed: 80 * time.Millisecond},
		{Node: "delta", Outcome: dispatch.OutcomeCommandFailed, Reason: "exit status 1", Payload: "partial", Elapsed: 200 * time.Millisecond},
		{Node: "echo", Outcome: dispatch.OutcomeSkipped, Reason: "node is stopped"},
	}
}

func TestSummarize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := Summarize(3, now, sampleResults())

	if rep.Round != 3 {
		t.Errorf("expected round 3, got %d", rep.Round)
	}
	if !rep.GeneratedAt.Equal(now) {
		t.Errorf("expected generated_at %s, got %s", now, rep.GeneratedAt)
	}
	if rep.Succeeded != 1 {
		t.Errorf("expected 1 success, got %d", rep.Succeeded)
	}
	if rep.TimedOut != 1 {
		t.Errorf("expected 1 timeout, got %d", rep.TimedOut)
	}
	if rep.Failed != 2 {
		t.Errorf("expected connection and command failures counted together, got %d", rep.Failed)
	}
	if rep.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", rep.Skipped)
	}
	if rep.Total() != 5 {
		t.Errorf("expected total 5, got %d", rep.Total())
	}

	// Detail ordering is the round's plan ordering, untouched.
	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for i, name := range want {
		if rep.Results[i].Node != name {
			t.Errorf("position %d: expected %s, got %s", i, name, rep.Results[i].Node)
		}
	}
}

func TestSummarizeEmpty(t *testing.T) {
	rep := Summarize(1, time.Now(), nil)
	if rep.Total() != 0 {
		t.Errorf("expected empty report, got total %d", rep.Total())
	}
}

func TestJSONSink(t *testing.T) {
	var buf bytes.Buffer
	sink := &JSONSink{W: &buf}

	rep := Summarize(1, time.Now(), sampleResults())
	if err := sink.Publish(rep); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["succeeded"].(float64) != 1 {
		t.Errorf("expected succeeded 1 in JSON, got %v", decoded["succeeded"])
	}
	results, ok := decoded["results"].([]any)
	if !ok || len(results) != 5 {
		t.Fatalf("expected 5 results in JSON, got %v", decoded["results"])
	}
}
