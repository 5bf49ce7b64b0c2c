package hrq

import (
	"time"

	"go.uber.org/zap"

	"github.com/ridgedb/ridge/internal/telemetry"
)

// RateAccounting holds the billing-period configuration and running
// totals for one Resource. A resource with accounting enabled bills all
// usage in its sub-tree that no deeper accounting-enabled resource claims
// first.
type RateAccounting struct {
	ReportPeriod           time.Duration
	CollectPeriod          time.Duration
	ProvisionedCoefficient float64
	OvershootCoefficient   float64

	lastReport  time.Time
	accumulated float64
	provisioned float64
}

// BillingSink receives periodic usage reports for a resource path.
type BillingSink interface {
	Report(path string, units float64, overshoot float64)
}

// LoggingBillingSink reports usage through zap, the way a deployment
// without a real billing backend runs.
type LoggingBillingSink struct {
	log     *zap.Logger
	metrics *telemetry.HRQMetrics
}

func NewLoggingBillingSink(log *zap.Logger, metrics *telemetry.HRQMetrics) *LoggingBillingSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingBillingSink{log: log, metrics: metrics}
}

func (s *LoggingBillingSink) Report(path string, units float64, overshoot float64) {
	s.log.Info("hrq billing report", zap.String("resource_path", path), zap.Float64("units", units), zap.Float64("overshoot", overshoot))
	if s.metrics != nil {
		s.metrics.BillingEvents.Inc()
		s.metrics.TokensIssued.WithLabelValues(path).Add(units)
	}
}

// InMemoryBillingSink accumulates reports for tests and admin inspection.
type InMemoryBillingSink struct {
	Reports []BilledReport
}

type BilledReport struct {
	Path      string
	Units     float64
	Overshoot float64
}

func (s *InMemoryBillingSink) Report(path string, units float64, overshoot float64) {
	s.Reports = append(s.Reports, BilledReport{Path: path, Units: units, Overshoot: overshoot})
}

// Account records amount units consumed under r, and flushes a report to
// sink once ReportPeriod has elapsed since the last report. Usage beyond
// the provisioned envelope (scaled by the overshoot coefficient) is
// reported separately so the billing side can price it differently.
func (r *Resource) Account(now time.Time, amount float64, sink BillingSink) {
	if r.Accounting == nil {
		return
	}
	a := r.Accounting
	a.accumulated += amount
	a.provisioned += r.ResourceTickQuantum * a.ProvisionedCoefficient
	if a.lastReport.IsZero() {
		a.lastReport = now
		return
	}
	if now.Sub(a.lastReport) < a.ReportPeriod {
		return
	}
	overshoot := 0.0
	if a.accumulated > a.provisioned*(1+a.OvershootCoefficient) {
		overshoot = a.accumulated - a.provisioned
	}
	sink.Report(r.Path, a.accumulated, overshoot)
	a.accumulated = 0
	a.provisioned = 0
	a.lastReport = now
}

