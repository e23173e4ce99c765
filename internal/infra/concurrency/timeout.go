// Package concurrency — вспомогательные примитивы фонового исполнения.
// Сейчас здесь живёт таймер ограничения времени работы процесса: по истечении
// APP_TIMEOUT приложение уходит в обычный graceful shutdown.
package concurrency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"telegram-promoter/internal/infra/logger"
)

// StartTimeoutTimer запускает горутину, которая вызовет cancelFunc спустя timeout.
// Используется для ограниченных по времени прогонов: остановка идёт тем же путём,
// что и по сигналу — начатый тик дорабатывает, снапшоты сбрасываются на диск.
// Нулевой timeout или nil cancelFunc — no-op; горутина снимается при отмене ctx.
func StartTimeoutTimer(ctx context.Context, timeout time.Duration, cancelFunc context.CancelFunc) {
	if timeout <= 0 || cancelFunc == nil {
		return
	}

	go func() {
		logger.Info("Auto-shutdown timer started", zap.Duration("timeout", timeout))

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			logger.Info("Auto-shutdown timeout reached, initiating graceful shutdown")
			cancelFunc()
		case <-ctx.Done():
			logger.Debug("Auto-shutdown timer cancelled")
		}
	}()
}
