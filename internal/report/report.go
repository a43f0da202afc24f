// Package report aggregates dispatch results into one-shot reports and
// live-refreshing views.
package report

import (
	"encoding/json"
	"io"
	"time"

	"github.com/postalsys/muster/internal/dispatch"
)

// Report is the aggregated outcome of one dispatch round. Detail
// ordering follows the round's plan order (discovery order) and is
// stable within the round.
type Report struct {
	// Round numbers rounds in live mode; 1 for one-shot runs.
	Round int `json:"round"`

	// GeneratedAt is when the round completed.
	GeneratedAt time.Time `json:"generated_at"`

	// Succeeded, Failed, TimedOut, Skipped count per-node outcomes.
	// Failed covers both connection and command failures.
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Skipped   int `json:"skipped"`

	// Results is the ordered per-node detail.
	Results []dispatch.Result `json:"results"`
}

// Total returns the number of attempted and skipped nodes.
func (r Report) Total() int {
	return len(r.Results)
}

// Summarize builds a report from one round's results.
func Summarize(round int, generatedAt time.Time, results []dispatch.Result) Report {
	rep := Report{
		Round:       round,
		GeneratedAt: generatedAt,
		Results:     results,
	}
	for _, res := range results {
		switch res.Outcome {
		case dispatch.OutcomeSuccess:
			rep.Succeeded++
		case dispatch.OutcomeTimeout:
			rep.TimedOut++
		case dispatch.OutcomeConnectionFailed, dispatch.OutcomeCommandFailed:
			rep.Failed++
		case dispatch.OutcomeSkipped:
			rep.Skipped++
		}
	}
	return rep
}

// Sink consumes reports. Live mode publishes one report per round; the
// sink makes no assumption about how they are displayed.
type Sink interface {
	Publish(rep Report) error
}

// JSONSink writes each report as a single JSON document.
type JSONSink struct {
	W io.Writer
}

// Publish implements Sink.
func (s *JSONSink) Publish(rep Report) error {
	enc := json.NewEncoder(s.W)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
