package commands

import (
	"context"
	"slices"

	"telegram-promoter/internal/domain/registry"
	"telegram-promoter/internal/domain/rotation"
	"telegram-promoter/internal/domain/scheduler"
	"telegram-promoter/internal/domain/session"
	"telegram-promoter/internal/domain/verify"
	"telegram-promoter/internal/infra/logger"
	versioninfo "telegram-promoter/internal/support/version"

	"github.com/go-faster/errors"
)

// CommandExecutor - реализация интерфейса Executor поверх подсистем контура.
// Собственного состояния не держит: каждая команда транслируется в вызовы
// планировщика, реестра, ротации и персистера.
type CommandExecutor struct {
	scheduler *scheduler.Scheduler
	rotation  *rotation.Engine
	registry  *registry.Registry
	health    *registry.HealthChecker
	tracker   *session.Tracker
	persister *session.Persister
	queue     *verify.Queue
}

var _ Executor = (*CommandExecutor)(nil)

// NewExecutor создает новый экземпляр CommandExecutor.
func NewExecutor(
	sch *scheduler.Scheduler,
	rot *rotation.Engine,
	reg *registry.Registry,
	health *registry.HealthChecker,
	tracker *session.Tracker,
	persister *session.Persister,
	queue *verify.Queue,
) *CommandExecutor {
	return &CommandExecutor{
		scheduler: sch,
		rotation:  rot,
		registry:  reg,
		health:    health,
		tracker:   tracker,
		persister: persister,
		queue:     queue,
	}
}

// Status возвращает агрегированное состояние контура.
func (e *CommandExecutor) Status(_ context.Context) (*StatusResult, error) {
	return &StatusResult{
		Version:     versioninfo.Version,
		Running:     e.scheduler.IsRunning(),
		Connections: e.registry.Count(),
		QueueDepth:  e.queue.Total(),
		Healthy:     e.tracker.HealthyMobiles(),
		Rotation:    e.rotation.Status(),
		Sessions:    e.tracker.Summaries(),
	}, nil
}

// Start разрешает рассылку.
func (e *CommandExecutor) Start(_ context.Context) error {
	e.scheduler.Start()
	return nil
}

// Stop запрещает рассылку.
func (e *CommandExecutor) Stop(_ context.Context) error {
	e.scheduler.Stop()
	return nil
}

// Restart останавливает рассылку, сбрасывает все соединения, пересеивает пул
// ротации из каталога аккаунтов и снова разрешает рассылку.
func (e *CommandExecutor) Restart(ctx context.Context) error {
	logger.Info("commands: restart requested")
	e.scheduler.Stop()
	e.registry.ReleaseAll()
	if err := e.rotation.Initialize(ctx); err != nil {
		return errors.Wrap(err, "reinitialize rotation")
	}
	e.scheduler.Start()
	return nil
}

// Rotate выполняет внеплановую ротацию активного набора.
func (e *CommandExecutor) Rotate(ctx context.Context) (*RotateResult, error) {
	logger.Info("commands: rotation requested")
	e.rotation.Rotate(ctx)
	return &RotateResult{Active: e.rotation.CurrentActive()}, nil
}

// Check форсирует проверку живости всех соединений, включая глубокую пробу.
func (e *CommandExecutor) Check(ctx context.Context) (*CheckResult, error) {
	logger.Info("commands: health check requested")
	return &CheckResult{Healthy: e.health.CheckNow(ctx, true)}, nil
}

// Save сбрасывает снимки всех сессий на диск.
func (e *CommandExecutor) Save(ctx context.Context) error {
	e.persister.SaveAll(ctx)
	return nil
}

// Load перечитывает снимки всех зарегистрированных сессий с диска.
func (e *CommandExecutor) Load(_ context.Context) error {
	e.persister.LoadAll(e.tracker.Mobiles())
	return nil
}

// Reset обнуляет накопленную статистику сессий.
func (e *CommandExecutor) Reset(_ context.Context) error {
	logger.Info("commands: session stats reset requested")
	e.tracker.ResetStats()
	return nil
}

// Mobiles возвращает срезы состояния всех зарегистрированных сессий.
func (e *CommandExecutor) Mobiles(_ context.Context) (*MobilesResult, error) {
	return &MobilesResult{Sessions: e.tracker.Summaries()}, nil
}

// Patterns возвращает историю ротаций, новые записи первыми.
func (e *CommandExecutor) Patterns(_ context.Context) (*PatternsResult, error) {
	records := e.rotation.Patterns()
	slices.Reverse(records)
	return &PatternsResult{Records: records}, nil
}

// Version возвращает информацию о версии приложения.
func (e *CommandExecutor) Version(_ context.Context) (*VersionResult, error) {
	return &VersionResult{
		Name:    versioninfo.Name,
		Version: versioninfo.Version,
	}, nil
}
