package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/adorevd/prreview"

// AttrPhase, AttrStatus, and AttrRepository are the attribute keys attached
// to the phase/agent/circuit-breaker instruments below.
var (
	AttrPhase      = attribute.Key("phase")
	AttrStatus     = attribute.Key("status")
	AttrRepository = attribute.Key("repository_id")
	AttrDependency = attribute.Key("dependency")
	AttrState      = attribute.Key("state")
)

// InitMeterProvider sets the global OpenTelemetry MeterProvider up with a
// Prometheus exporter and returns the http.Handler to mount at GET /metrics.
// Call once at daemon startup.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "prreview"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

func meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

var (
	initMetricsOnce sync.Once

	phaseDuration       metric.Float64Histogram
	agentRunsCounter    metric.Int64Counter
	queueDepthGauge     metric.Int64ObservableGauge
	claimContentionCtr  metric.Int64Counter
	breakerStateCounter metric.Int64Counter

	queueDepthFn func() int64
	queueDepthMu sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call more than once;
// only the first call takes effect. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := meter()

		phaseDuration, err = m.Float64Histogram("prreview_phase_duration_seconds",
			metric.WithDescription("Review agent phase duration in seconds"))
		if err != nil {
			return
		}
		agentRunsCounter, err = m.Int64Counter("prreview_agent_runs_total",
			metric.WithDescription("Total review agent runs by terminal status"))
		if err != nil {
			return
		}
		claimContentionCtr, err = m.Int64Counter("prreview_claim_contention_total",
			metric.WithDescription("Total claim_pr calls that lost to a concurrent claimant"))
		if err != nil {
			return
		}
		breakerStateCounter, err = m.Int64Counter("prreview_circuit_breaker_transitions_total",
			metric.WithDescription("Total circuit breaker state transitions by dependency and new state"))
		if err != nil {
			return
		}
		queueDepthGauge, err = m.Int64ObservableGauge("prreview_queue_depth",
			metric.WithDescription("Current job queue depth"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			queueDepthMu.Lock()
			fn := queueDepthFn
			queueDepthMu.Unlock()
			if fn == nil {
				return nil
			}
			o.ObserveInt64(queueDepthGauge, fn())
			return nil
		}, queueDepthGauge)
	})
	return err
}

// SetQueueDepthFunc registers the callback the queue depth gauge polls.
// Passing nil stops reporting.
func SetQueueDepthFunc(fn func() int64) {
	queueDepthMu.Lock()
	defer queueDepthMu.Unlock()
	queueDepthFn = fn
}

// RecordPhaseDuration records one phase's wall time for a repository.
func RecordPhaseDuration(ctx context.Context, phase, repositoryID string, d time.Duration) {
	if phaseDuration == nil {
		return
	}
	phaseDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrPhase.String(phase), AttrRepository.String(repositoryID)))
}

// RecordAgentRun records one terminal agent run outcome.
func RecordAgentRun(ctx context.Context, status, repositoryID string) {
	if agentRunsCounter == nil {
		return
	}
	agentRunsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrStatus.String(status), AttrRepository.String(repositoryID)))
}

// RecordClaimContention records one claim_pr call that lost the race.
func RecordClaimContention(ctx context.Context, repositoryID string) {
	if claimContentionCtr == nil {
		return
	}
	claimContentionCtr.Add(ctx, 1, metric.WithAttributes(AttrRepository.String(repositoryID)))
}

// RecordBreakerTransition records one circuit breaker state change.
func RecordBreakerTransition(ctx context.Context, dependency, newState string) {
	if breakerStateCounter == nil {
		return
	}
	breakerStateCounter.Add(ctx, 1, metric.WithAttributes(
		AttrDependency.String(dependency), AttrState.String(newState)))
}
