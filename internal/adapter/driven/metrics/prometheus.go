package metrics

import (
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Recorder implements port.Metrics with Prometheus collectors.
type Recorder struct {
	ledgerEntries  *prometheus.CounterVec
	ledgerAmount   *prometheus.CounterVec
	ledgerRejected *prometheus.CounterVec
	callStatus     *prometheus.CounterVec
	shortfall      prometheus.Counter
	compensations  *prometheus.CounterVec
}

// New registers the billing collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		ledgerEntries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yacall_ledger_entries_total",
				Help: "Ledger entries applied, by direction and category",
			},
			[]string{"direction", "category"},
		),
		ledgerAmount: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yacall_ledger_amount_total",
				Help: "Sum of applied ledger amounts, by direction and category",
			},
			[]string{"direction", "category"},
		),
		ledgerRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yacall_ledger_rejected_total",
				Help: "Ledger entries rejected, by direction and reason",
			},
			[]string{"direction", "reason"},
		),
		callStatus: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yacall_call_transitions_total",
				Help: "Call sessions entering each status",
			},
			[]string{"status"},
		),
		shortfall: f.NewCounter(
			prometheus.CounterOpts{
				Name: "yacall_settlement_shortfall_total",
				Help: "Unpaid call overage flagged for reconciliation",
			},
		),
		compensations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yacall_reservation_compensations_total",
				Help: "Reservation refunds, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (r *Recorder) LedgerApplied(direction domain.Direction, category domain.Category, amount decimal.Decimal) {
	r.ledgerEntries.WithLabelValues(string(direction), string(category)).Inc()
	r.ledgerAmount.WithLabelValues(string(direction), string(category)).Add(amount.InexactFloat64())
}

func (r *Recorder) LedgerRejected(direction domain.Direction, reason string) {
	r.ledgerRejected.WithLabelValues(string(direction), reason).Inc()
}

func (r *Recorder) CallStatus(status domain.CallStatus) {
	r.callStatus.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) Shortfall(amount decimal.Decimal) {
	r.shortfall.Add(amount.InexactFloat64())
}

func (r *Recorder) Compensation(outcome string) {
	r.compensations.WithLabelValues(outcome).Inc()
}
