package pipeline

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type instruments struct {
	meter          metric.Meter
	backlog        metric.Int64ObservableGauge
	blocks         metric.Int64Counter
	faults         metric.Int64Counter
	decodeFailures metric.Int64Counter
	published      metric.Int64Counter
	latency        metric.Float64Histogram
}

// newInstruments registers the pipeline instruments on meter. On error the
// returned set records nothing.
func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		m    instruments
		err  error
		errs []error
	)
	m.meter = meter
	m.backlog, err = meter.Int64ObservableGauge("speechcast.pipeline.capture_backlog",
		metric.WithDescription("Captured blocks waiting to be processed"))
	errs = append(errs, err)
	m.blocks, err = meter.Int64Counter("speechcast.pipeline.blocks",
		metric.WithDescription("Audio blocks taken from the capture source"))
	errs = append(errs, err)
	m.faults, err = meter.Int64Counter("speechcast.pipeline.capture_faults",
		metric.WithDescription("Blocks delivered with an overflow or underflow flag"))
	errs = append(errs, err)
	m.decodeFailures, err = meter.Int64Counter("speechcast.pipeline.decode_failures",
		metric.WithDescription("Recognition calls that failed and were skipped"))
	errs = append(errs, err)
	m.published, err = meter.Int64Counter("speechcast.pipeline.transcripts",
		metric.WithDescription("Transcripts published to the outbound queue"))
	errs = append(errs, err)
	m.latency, err = meter.Float64Histogram("speechcast.pipeline.recognize_duration",
		metric.WithDescription("Time spent in one recognition call"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return newInstrumentsNoop(), err
	}
	return &m, nil
}

// observeBacklog reports backlog() on every collection until the returned
// function is called.
func (m *instruments) observeBacklog(backlog func() int) (func() error, error) {
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.backlog, int64(backlog()))
		return nil
	}, m.backlog)
	if err != nil {
		return func() error { return nil }, err
	}
	return reg.Unregister, nil
}

func newInstrumentsNoop() *instruments {
	meter := noop.NewMeterProvider().Meter(instrumentationName)
	m, _ := newInstruments(meter)
	return m
}
