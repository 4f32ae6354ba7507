package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kadirpekel/orchid/pkg/logger"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records engine-level counters and histograms. A nil value
// is safe to call.
type Metrics interface {
	RecordAgentRun(ctx context.Context, duration time.Duration, tokens int, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordCompression(ctx context.Context, beforeTokens, afterTokens int)
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// PrometheusMetrics implements Metrics on an OTel meter backed by the
// Prometheus exporter. The zero value is a no-op.
type PrometheusMetrics struct {
	agentDuration   metric.Float64Histogram
	agentRunsTotal  metric.Int64Counter
	agentErrors     metric.Int64Counter
	agentTokens     metric.Int64Counter
	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrors      metric.Int64Counter
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter
	compressions    metric.Int64Counter
	tokensReclaimed metric.Int64Counter
}

// InitMetrics builds a PrometheusMetrics from config. Disabled config
// yields a no-op instance.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("orchid")

	if cfg.Port > 0 {
		serveMetrics(cfg.Port)
	}

	m := &PrometheusMetrics{}

	if m.agentDuration, err = meter.Float64Histogram(
		"orchid_agent_run_duration_seconds",
		metric.WithDescription("Agent run duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.agentRunsTotal, err = meter.Int64Counter(
		"orchid_agent_runs_total",
		metric.WithDescription("Total agent runs"),
	); err != nil {
		return nil, err
	}
	if m.agentErrors, err = meter.Int64Counter(
		"orchid_agent_errors_total",
		metric.WithDescription("Total agent run errors"),
	); err != nil {
		return nil, err
	}
	if m.agentTokens, err = meter.Int64Counter(
		"orchid_agent_tokens_used_total",
		metric.WithDescription("Total tokens used by agent runs"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"orchid_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.toolCallsTotal, err = meter.Int64Counter(
		"orchid_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter(
		"orchid_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram(
		"orchid_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"orchid_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, err
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"orchid_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, err
	}
	if m.llmErrors, err = meter.Int64Counter(
		"orchid_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, err
	}
	if m.compressions, err = meter.Int64Counter(
		"orchid_memory_compressions_total",
		metric.WithDescription("Total memory compression passes"),
	); err != nil {
		return nil, err
	}
	if m.tokensReclaimed, err = meter.Int64Counter(
		"orchid_memory_tokens_reclaimed_total",
		metric.WithDescription("Tokens reclaimed by memory compression"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordAgentRun(ctx context.Context, duration time.Duration, tokens int, err error) {
	if m == nil || m.agentDuration == nil {
		return
	}
	m.agentDuration.Record(ctx, duration.Seconds())
	m.agentRunsTotal.Add(ctx, 1)
	if tokens > 0 {
		m.agentTokens.Add(ctx, int64(tokens))
	}
	if err != nil {
		m.agentErrors.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordCompression(ctx context.Context, beforeTokens, afterTokens int) {
	if m == nil || m.compressions == nil {
		return
	}
	m.compressions.Add(ctx, 1)
	if reclaimed := beforeTokens - afterTokens; reclaimed > 0 {
		m.tokensReclaimed.Add(ctx, int64(reclaimed))
	}
}

// serveMetrics exposes the Prometheus registry over HTTP. The server
// lives for the process lifetime.
func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		addr := fmt.Sprintf(":%d", port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Get().Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
