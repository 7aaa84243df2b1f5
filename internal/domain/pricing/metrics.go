package pricing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/kart-discounts/internal/domain/discount"
)

const instrumentationName = "github.com/xenking/kart-discounts/internal/domain/pricing"

type serviceMetrics struct {
	applied  metric.Int64Counter
	rejected metric.Int64Counter
	amount   metric.Float64Counter
	duration metric.Float64Histogram
}

func newServiceMetrics(mp metric.MeterProvider) (*serviceMetrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m   serviceMetrics
		err error
	)
	if m.applied, err = meter.Int64Counter("discount.applied",
		metric.WithDescription("Discount results included in order summaries"),
		metric.WithUnit("{discount}"),
	); err != nil {
		return nil, errors.Wrap(err, "applied counter")
	}
	if m.rejected, err = meter.Int64Counter("discount.redemption.rejected",
		metric.WithDescription("Redemptions refused because the usage limit was reached"),
		metric.WithUnit("{redemption}"),
	); err != nil {
		return nil, errors.Wrap(err, "rejected counter")
	}
	if m.amount, err = meter.Float64Counter("discount.amount",
		metric.WithDescription("Total discount granted"),
	); err != nil {
		return nil, errors.Wrap(err, "amount counter")
	}
	if m.duration, err = meter.Float64Histogram("discount.apply.duration",
		metric.WithDescription("Apply evaluation latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "duration histogram")
	}
	return &m, nil
}

func (m *serviceMetrics) recordApply(ctx context.Context, s Summary, took time.Duration) {
	for _, r := range s.Applied {
		m.applied.Add(ctx, 1, metric.WithAttributes(kindAttr(r.Discount)))
	}
	total, _ := s.TotalDiscount.Float64()
	m.amount.Add(ctx, total)
	m.duration.Record(ctx, took.Seconds())
}

func (m *serviceMetrics) recordRejected(ctx context.Context, d *discount.Discount) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(kindAttr(d)))
}

func kindAttr(d *discount.Discount) attribute.KeyValue {
	if d == nil {
		return attribute.String("discount.kind", "unknown")
	}
	return attribute.String("discount.kind", string(d.Kind))
}
