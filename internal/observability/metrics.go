package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain collectors. HTTP traffic is instrumented separately by the metrics
// middleware; these count what the insights pipeline and the safety filter do.
var (
	// PipelineRuns counts pipeline runs by mode and final status
	// (updated, unchanged, skipped_no_transcript, gemini_error, ...).
	PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_pipeline_runs_total",
			Help: "Session metadata pipeline runs by mode and status.",
		},
		[]string{"mode", "status"},
	)

	// LLMRequests counts outbound model calls by kind (title, summary, chat)
	// and outcome (ok, error).
	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_llm_requests_total",
			Help: "Outbound LLM calls by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// LLMLatency observes model call latency in seconds by kind.
	LLMLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_llm_request_duration_seconds",
			Help:    "Latency of outbound LLM calls in seconds.",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"kind"},
	)

	// SafetyAlerts counts danger keyword hits on inbound messages.
	SafetyAlerts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safety_alerts_total",
			Help: "Inbound messages that matched the danger keyword list.",
		},
	)
)

func init() {
	prometheus.MustRegister(PipelineRuns, LLMRequests, LLMLatency, SafetyAlerts)
}

// Outcome maps an error to the outcome label used by LLMRequests.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
