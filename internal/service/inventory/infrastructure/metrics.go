package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 引擎级指标。拒绝按原因打标签，方便在面板上区分
// "正常卖光了"和"上游在请求不存在的 SKU"。
var (
	ReservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockgate_reservations_total",
		Help: "Number of successful multi-item reservations.",
	})

	ReservationRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockgate_reservation_rejections_total",
		Help: "Number of rejected reservations by reason.",
	}, []string{"reason"})

	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockgate_commits_total",
		Help: "Number of committed order reservations.",
	})

	ReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockgate_releases_total",
		Help: "Number of released order reservations.",
	})

	ExpiredReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockgate_expired_reservations_reclaimed_total",
		Help: "Number of expired reservations swept back to available stock.",
	})
)

const (
	RejectReasonNotFound     = "sku_not_found"
	RejectReasonInsufficient = "insufficient_stock"
	RejectReasonValidation   = "validation"
)
