package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 监控周期与对账指标
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teskeeper",
		Name:      "cycles_total",
		Help:      "Monitoring cycles by result",
	}, []string{"result"})

	ReconcileOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teskeeper",
		Name:      "reconcile_ops_total",
		Help:      "Vehicle schedule operations applied during reconciliation",
	}, []string{"op"})

	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teskeeper",
		Name:      "token_refresh_total",
		Help:      "OAuth token refreshes by kind",
	}, []string{"kind"})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teskeeper",
		Name:      "sessions_total",
		Help:      "Special charging session transitions by resulting state",
	}, []string{"state"})

	WakeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teskeeper",
		Name:      "wake_total",
		Help:      "Vehicle wake attempts",
	})
)
