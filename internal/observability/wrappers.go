package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/backend"
)

// --- InstrumentedDriver ---

// InstrumentedDriver wraps a backend.Driver with metrics, tracing, and
// anomaly detection. Handles returned from Create and Get are wrapped too,
// so command execution inside the sandbox is also observed.
type InstrumentedDriver struct {
	inner   backend.Driver
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedDriver wraps a driver with observability.
func NewInstrumentedDriver(inner backend.Driver, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedDriver {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedDriver{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (d *InstrumentedDriver) Backend() backend.Type { return d.inner.Backend() }

func (d *InstrumentedDriver) Create(ctx context.Context, opts backend.ResolvedOptions) (backend.Handle, error) {
	ctx, finish := d.observe(ctx, "create")
	h, err := d.inner.Create(ctx, opts)
	finish(err)

	if d.metrics != nil {
		d.metrics.SandboxCreatesTotal.WithLabelValues(string(d.Backend()), statusLabel(err)).Inc()
	}
	if err != nil {
		return nil, err
	}
	return d.wrapHandle(h), nil
}

func (d *InstrumentedDriver) Get(ctx context.Context, id string) (backend.Handle, error) {
	ctx, finish := d.observe(ctx, "get")
	h, err := d.inner.Get(ctx, id)
	finish(err)
	if err != nil {
		return nil, err
	}
	return d.wrapHandle(h), nil
}

func (d *InstrumentedDriver) Stop(ctx context.Context, id string) error {
	ctx, finish := d.observe(ctx, "stop")
	err := d.inner.Stop(ctx, id)
	finish(err)
	return err
}

func (d *InstrumentedDriver) Delete(ctx context.Context, id string) (bool, error) {
	ctx, finish := d.observe(ctx, "delete")
	existed, err := d.inner.Delete(ctx, id)
	finish(err)
	return existed, err
}

func (d *InstrumentedDriver) List(ctx context.Context) ([]backend.Info, error) {
	ctx, finish := d.observe(ctx, "list")
	infos, err := d.inner.List(ctx)
	finish(err)
	return infos, err
}

// observe starts a span and returns a completion callback that records
// metrics and anomaly signals for one provider API call. Not-found errors
// count as successes: probing for an absent sandbox is normal operation,
// not a backend fault.
func (d *InstrumentedDriver) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	name := string(d.Backend())

	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "backend."+operation,
			trace.WithAttributes(
				attribute.String("backend.type", name),
			))
	}

	start := time.Now()
	return ctx, func(err error) {
		duration := time.Since(start).Seconds()
		failed := err != nil && !backend.IsNotFound(err)

		if span != nil {
			if failed {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}

		if d.metrics != nil {
			status := "success"
			if failed {
				status = "error"
			}
			d.metrics.BackendRequestsTotal.WithLabelValues(name, operation, status).Inc()
			d.metrics.BackendRequestDuration.WithLabelValues(name, operation).Observe(duration)
		}

		if d.anomaly != nil {
			op := name + "_" + operation
			if failed {
				d.anomaly.RecordError(op)
			} else {
				d.anomaly.RecordSuccess(op)
			}
		}
	}
}

func (d *InstrumentedDriver) wrapHandle(h backend.Handle) backend.Handle {
	return &instrumentedHandle{Handle: h, driver: d}
}

// --- instrumentedHandle ---

// instrumentedHandle observes command execution; all other handle methods
// pass through via embedding.
type instrumentedHandle struct {
	backend.Handle
	driver *InstrumentedDriver
}

func (h *instrumentedHandle) Execute(ctx context.Context, opts backend.ExecuteOptions) (*backend.ExecuteResult, error) {
	d := h.driver
	name := string(h.Backend())

	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("backend.type", name),
				attribute.String("sandbox.id", h.ID()),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := h.Handle.Execute(ctx, opts)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		if span != nil {
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if d.metrics != nil {
		d.metrics.ExecutionsTotal.WithLabelValues(name, status).Inc()
		d.metrics.ExecutionDuration.WithLabelValues(name).Observe(duration)
	}

	if d.anomaly != nil {
		if err != nil {
			d.anomaly.RecordError(name + "_execute")
		} else {
			d.anomaly.RecordSuccess(name + "_execute")
		}
	}

	return result, err
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// --- Compile-time interface checks ---

var (
	_ backend.Driver = (*InstrumentedDriver)(nil)
	_ backend.Handle = (*instrumentedHandle)(nil)
)
