// Package metrics — Prometheus-коллекторы promoter'а. Регистрация идёт через
// promauto в default registry; HTTP-экспорт подключается в веб-сервере через Handler().
// Все коллекторы — package-level singletons: компоненты пишут в них напрямую,
// без прокидывания зависимостей.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SendsTotal — отправки по исходам. Метка outcome: success, flood_wait,
	// channel_private, user_banned, write_forbidden, terminal_account, transient.
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promoter_sends_total",
		Help: "Promotional sends by outcome kind",
	}, []string{"outcome"})

	// FloodWaitSeconds — суммарное время принудительных пауз, наложенных Telegram.
	FloodWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promoter_flood_wait_seconds_total",
		Help: "Total seconds of FLOOD_WAIT imposed on sessions",
	})

	// RotationsTotal — количество выполненных ротаций активного набора.
	RotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promoter_rotations_total",
		Help: "Total active-set rotations performed",
	})

	// ActiveMobiles / AvailableMobiles — текущие размеры активного набора и пула.
	ActiveMobiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promoter_active_mobiles",
		Help: "Mobiles currently in the active set",
	})
	AvailableMobiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promoter_available_mobiles",
		Help: "Mobiles currently in the available pool",
	})

	// ConnectionsOpen — живые соединения в реестре.
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promoter_connections_open",
		Help: "Live transport connections held by the registry",
	})

	// VerificationQueueDepth — суммарная глубина очередей верификации по всем мобильным.
	VerificationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promoter_verification_queue_depth",
		Help: "Pending post-send verification entries across all mobiles",
	})

	// VerificationsTotal — обработанные верификации. Метка result: survived,
	// deleted, banned, error.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promoter_verifications_total",
		Help: "Processed post-send verifications by result",
	}, []string{"result"})

	// HealthChecksTotal — health-пробы по результату. Метка result: ok, fail.
	HealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promoter_health_checks_total",
		Help: "Health probes by result",
	}, []string{"result"})

	// SnapshotsTotal — сохранения снапшотов. Метка result: ok, error.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promoter_snapshots_total",
		Help: "Per-mobile state snapshot writes by result",
	}, []string{"result"})
)

// Handler возвращает HTTP-обработчик экспорта метрик (default registry).
func Handler() http.Handler {
	return promhttp.Handler()
}
