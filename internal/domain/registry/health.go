package registry

import (
	"context"
	"time"

	"telegram-promoter/internal/infra/clock"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/metrics"
)

const (
	defaultHealthInterval = 5 * time.Minute
	defaultProbeTimeout   = 10 * time.Second
	defaultDeepProbeEvery = 2 * time.Hour
)

// HealthChecker обходит реестр с фиксированной периодичностью: обновляет метки
// проверок, будит отключённый транспорт и изредка зондирует сессию запросом
// собственного профиля. Проверки не возвращают ошибок — только классифицируют.
// По завершении прохода дергается onComplete (обычно RefreshAvailable ротации),
// чтобы пул отбросил неживые номера.
type HealthChecker struct {
	registry     *Registry
	interval     time.Duration
	probeTimeout time.Duration
	deepEvery    time.Duration
	onComplete   func(ctx context.Context)

	now func() int64
}

// NewHealthChecker собирает проверщик. onComplete может быть nil.
func NewHealthChecker(
	reg *Registry,
	interval, probeTimeout, deepEvery time.Duration,
	onComplete func(ctx context.Context),
) *HealthChecker {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	if deepEvery <= 0 {
		deepEvery = defaultDeepProbeEvery
	}
	return &HealthChecker{
		registry:     reg,
		interval:     interval,
		probeTimeout: probeTimeout,
		deepEvery:    deepEvery,
		onComplete:   onComplete,
		now:          clock.NowMillis,
	}
}

// Run — цикл проверок; завершается по отмене ctx.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckNow(ctx, false)
		}
	}
}

// CheckNow выполняет один проход по всем соединениям. force=true включает
// глубокую проверку независимо от давности предыдущей (операторская починка).
func (h *HealthChecker) CheckNow(ctx context.Context, force bool) map[string]bool {
	h.registry.mu.RLock()
	conns := make([]*Connection, 0, len(h.registry.conns))
	for _, c := range h.registry.conns {
		conns = append(conns, c)
	}
	h.registry.mu.RUnlock()

	results := make(map[string]bool, len(conns))
	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		healthy := h.checkOne(ctx, conn, force)
		results[conn.Mobile] = healthy
		if healthy {
			metrics.HealthChecksTotal.WithLabelValues("ok").Inc()
		} else {
			metrics.HealthChecksTotal.WithLabelValues("fail").Inc()
		}
	}
	if h.onComplete != nil {
		h.onComplete(ctx)
	}
	return results
}

func (h *HealthChecker) checkOne(ctx context.Context, conn *Connection, force bool) bool {
	now := h.now()
	conn.lastHealthCheck.Store(now)

	if conn.Client == nil {
		logger.Errorf("health: %s is registered without a client, evicting", conn.Mobile)
		h.registry.Release(conn.Mobile)
		return false
	}

	if !conn.Client.IsConnected() {
		cctx, cancel := context.WithTimeout(ctx, h.registry.opts.ConnectTimeout)
		err := conn.Client.Connect(cctx)
		cancel()
		if err != nil {
			logger.Warnf("health: reconnect %s: %v", conn.Mobile, err)
			return false
		}
		logger.Infof("health: %s reconnected", conn.Mobile)
	}

	if force || conn.DeepProbeStale(h.deepEvery, now) {
		pctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
		_, err := conn.Client.GetSelf(pctx)
		cancel()
		if err != nil {
			logger.Warnf("health: deep probe of %s: %v", conn.Mobile, err)
			return false
		}
		conn.MarkDeepProbe(h.now())
	}
	return true
}
