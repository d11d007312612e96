package augmentd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"pkt.systems/pslog"
)

// debugListener is one of the dispatcher's HTTP side doors (metrics
// scrape, pprof). Both share a lifecycle: listen, serve a mux until
// Shutdown, log serve failures without taking the dispatcher down.
type debugListener struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

func serveDebugListener(name, addr string, mux *http.ServeMux, logger pslog.Logger) (*debugListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	dl := &debugListener{name: name, srv: &http.Server{Handler: mux}, ln: ln}
	go func() {
		if err := dl.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Warn("telemetry.serve_error", "listener", name, "error", err)
			}
		}
	}()
	return dl, nil
}

func (dl *debugListener) addr() string {
	if dl == nil || dl.ln == nil {
		return ""
	}
	return dl.ln.Addr().String()
}

func (dl *debugListener) shutdown(ctx context.Context) error {
	if dl == nil {
		return nil
	}
	err := dl.srv.Shutdown(ctx)
	_ = dl.ln.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server shutdown: %w", dl.name, err)
	}
	return nil
}

type telemetryBundle struct {
	meterProvider *sdkmetric.MeterProvider
	metrics       *debugListener
	pprofDL       *debugListener
	logger        pslog.Logger
}

var runtimeMetricsOnce sync.Once
var runtimeMetricsErr error

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
			if t.logger != nil {
				t.logger.Warn("telemetry.shutdown.metric_failure", "error", err)
			}
		}
	}
	for _, dl := range []*debugListener{t.metrics, t.pprofDL} {
		if err := dl.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setupTelemetry(ctx context.Context, metricsListen, pprofListen string, enableProfilingMetrics bool, logger pslog.Logger) (*telemetryBundle, error) {
	metricsListen = strings.TrimSpace(metricsListen)
	pprofListen = strings.TrimSpace(pprofListen)
	if metricsListen == "" && pprofListen == "" && !enableProfilingMetrics {
		return nil, nil
	}
	if enableProfilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	t := &telemetryBundle{logger: logger}
	fail := func(err error) (*telemetryBundle, error) {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	if metricsListen != "" {
		res, err := resource.New(ctx,
			resource.WithSchemaURL(semconv.SchemaURL),
			resource.WithAttributes(
				semconv.ServiceName("augmentd"),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build resource: %w", err)
		}
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if enableProfilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(t.meterProvider)
		if enableProfilingMetrics {
			if err := startRuntimeMetrics(t.meterProvider); err != nil {
				return fail(err)
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		t.metrics, err = serveDebugListener("metrics", metricsListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		logger.Info("telemetry.metrics.enabled", "listen", t.metrics.addr())
	}

	if pprofListen != "" {
		dl, err := serveDebugListener("pprof", pprofListen, pprofMux(), logger)
		if err != nil {
			return fail(err)
		}
		t.pprofDL = dl
		logger.Info("profiling.pprof.enabled", "listen", dl.addr())
	}

	return t, nil
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func startRuntimeMetrics(provider metric.MeterProvider) error {
	if provider == nil {
		return fmt.Errorf("profiling: meter provider unavailable")
	}
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeMetricsErr
}
