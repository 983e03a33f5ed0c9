package services

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Chat metrics
	ChatRequests       prometheus.Counter
	ChatRequestLatency prometheus.Histogram
	ChatErrors         *prometheus.CounterVec

	// Plugin metrics
	PluginInvocations *prometheus.CounterVec

	// Auth metrics
	LoginAttempts  *prometheus.CounterVec
	TokenRefreshes prometheus.Counter
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics. The session, training and
// plugin services feed live gauges through collector callbacks.
func InitMetrics(sessions *SessionService, training *TrainingService, plugins *PluginService) *Metrics {
	metrics := &Metrics{
		// Chat requests counter
		ChatRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "karen_chat_requests_total",
			Help: "Total number of chat requests processed",
		}),

		// Chat request latency histogram
		ChatRequestLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "karen_chat_request_duration_seconds",
			Help:    "Chat request latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		// Chat errors by type
		ChatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "karen_chat_errors_total",
			Help: "Total number of chat errors by type",
		}, []string{"error_type"}),

		// Plugin invocations by plugin and outcome
		PluginInvocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "karen_plugin_invocations_total",
			Help: "Total number of plugin executions by plugin name and outcome",
		}, []string{"plugin", "outcome"}), // outcome: "success" or "error"

		// Login attempts by outcome
		LoginAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "karen_login_attempts_total",
			Help: "Total number of login attempts by outcome",
		}, []string{"outcome"}), // "success", "failed" or "totp_required"

		// Refresh rotations
		TokenRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "karen_token_refreshes_total",
			Help: "Total number of refresh token rotations",
		}),
	}

	// Live gauges pull from the owning service on scrape
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "karen_sessions_active",
			Help: "Current number of active sessions",
		},
		func() float64 {
			if sessions == nil {
				return 0
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return float64(sessions.CountActive(ctx))
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "karen_training_jobs_active",
			Help: "Current number of queued or running training jobs",
		},
		func() float64 {
			if training != nil {
				return float64(training.ActiveJobs())
			}
			return 0
		},
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "karen_plugins_installed",
			Help: "Number of installed plugins",
		},
		func() float64 {
			if plugins != nil {
				return float64(plugins.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordChatRequest records a chat request
func (m *Metrics) RecordChatRequest() {
	m.ChatRequests.Inc()
}

// RecordChatLatency records chat request latency
func (m *Metrics) RecordChatLatency(seconds float64) {
	m.ChatRequestLatency.Observe(seconds)
}

// RecordChatError records a chat error
func (m *Metrics) RecordChatError(errorType string) {
	m.ChatErrors.WithLabelValues(errorType).Inc()
}

// RecordPluginInvocation records one plugin execution
func (m *Metrics) RecordPluginInvocation(plugin string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.PluginInvocations.WithLabelValues(plugin, outcome).Inc()
}

// RecordLoginAttempt records one login attempt
func (m *Metrics) RecordLoginAttempt(outcome string) {
	m.LoginAttempts.WithLabelValues(outcome).Inc()
}

// RecordTokenRefresh records one refresh rotation
func (m *Metrics) RecordTokenRefresh() {
	m.TokenRefreshes.Inc()
}
