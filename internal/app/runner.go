// Package app реализует верхний уровень управления жизненным циклом promoter'а.
// Файл runner.go — точка оркестрации: сервисы стартуют в правильном порядке
// (управляющие поверхности раньше драйверов, рассылка последней), а при
// завершении гасятся в обратном: сначала прекращаются новые отправки, затем
// дорабатывают начатые, гасятся соединения и выполняется финальный сброс
// статистики на диск. Бизнес-назначение: предсказуемое завершение, при котором
// ни одна отправка не обрывается на полуслове и накопленная статистика сессий
// не теряется.
package app

import (
	"context"
	"os"
	"sync"
	"time"

	"telegram-promoter/internal/adapters/cli"
	"telegram-promoter/internal/adapters/web"
	"telegram-promoter/internal/domain/commands"
	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/domain/registry"
	"telegram-promoter/internal/domain/rotation"
	"telegram-promoter/internal/domain/scheduler"
	"telegram-promoter/internal/domain/session"
	"telegram-promoter/internal/domain/verify"
	"telegram-promoter/internal/infra/config"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/pr"

	"github.com/go-faster/errors"
	"golang.org/x/term"
)

const (
	webServerShutdownTimeout = 10 * time.Second
)

// Runner инкапсулирует сценарий запуска и остановки контура продвижения.
// Отвечает за:
//   - линейный запуск сервисов в правильном порядке (CLI → web → ротация →
//     проверка живости → автосейв → планировщик),
//   - корректное завершение: новые рассылки прекращаются первыми, начатый тик
//     дорабатывает, соединения гасятся, статистика сбрасывается на диск,
//   - интеграцию с CLI и веб-интерфейсом управления.
type Runner struct {
	mainCtx    context.Context    // Внешний контекст процесса: отменяется по Ctrl+C/сигналам.
	mainCancel context.CancelFunc // Функция, инициирующая общий shutdown (используется из узлов).

	sch       *scheduler.Scheduler    // Планировщик рассылки.
	rot       *rotation.Engine        // Ротация активного набора.
	reg       *registry.Registry      // Реестр MTProto-соединений.
	health    *registry.HealthChecker // Периодическая проверка живости.
	tracker   *session.Tracker        // Состояние сессий.
	persister *session.Persister      // Автосейв и финальный сброс статистики.
	queue     *verify.Queue           // Очередь пост-проверок (нужна фасаду команд).

	channels  promo.ChannelStore  // Каталог каналов (админ-ручки веб-интерфейса).
	templates promo.TemplateStore // Каталог шаблонов (админ-ручки веб-интерфейса).
	accounts  promo.AccountStore  // Каталог аккаунтов (админ-ручки веб-интерфейса).

	cmdExecutor   commands.Executor  // Исполнитель команд (используется CLI и Web).
	cliService    *cli.Service       // CLI сервис для интерактивных команд.
	webServer     *web.Server        // Web-сервер для управления через браузер.
	driversWG     sync.WaitGroup     // Ожидание завершения периодических драйверов.
	driversCancel context.CancelFunc // Отмена контекста периодических драйверов.
}

// NewRunner подготавливает Runner с переданными зависимостями: планировщик,
// ротация, реестр и сторы каталога. Возвращает объект, готовый к запуску Run().
func NewRunner(
	mainCtx context.Context,
	mainCancel context.CancelFunc,
	sch *scheduler.Scheduler,
	rot *rotation.Engine,
	reg *registry.Registry,
	health *registry.HealthChecker,
	tracker *session.Tracker,
	persister *session.Persister,
	queue *verify.Queue,
	channels promo.ChannelStore,
	templates promo.TemplateStore,
	accounts promo.AccountStore,
) *Runner {
	return &Runner{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
		sch:        sch,
		rot:        rot,
		reg:        reg,
		health:     health,
		tracker:    tracker,
		persister:  persister,
		queue:      queue,
		channels:   channels,
		templates:  templates,
		accounts:   accounts,
	}
}

// Run — главный цикл promoter'а. Запускает сервисы (первая ротация выполняется
// синхронно: до её успеха контур не считается запущенным) и блокируется до
// завершения shutdown-сценария.
func (r *Runner) Run() error {
	driversCtx, driversCancel := context.WithCancel(context.Background())
	r.driversCancel = driversCancel
	defer driversCancel()

	// Запускаем отслеживание сигналов сразу, чтобы Ctrl+C работал во время инициализации
	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.mainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
	})

	if err := r.startAllServices(driversCtx); err != nil {
		r.mainCancel()
		shutdownWG.Wait()
		return err
	}

	logger.Info("Promoter running...")
	shutdownWG.Wait()
	return nil
}

func (r *Runner) startAllServices(ctx context.Context) error {
	// command executor
	logger.Debug("initializing command executor")
	r.cmdExecutor = commands.NewExecutor(r.sch, r.rot, r.reg, r.health, r.tracker, r.persister, r.queue)
	logger.Debug("command executor initialized")

	// cli — только на интерактивном терминале: под supervisor'ом stdin не TTY
	// и консоль не нужна.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Debug("starting service cli")
		r.cliService = cli.NewService(r.cmdExecutor, r.mainCancel)
		r.cliService.Start(ctx)
		logger.Debug("service cli started")
	}

	// web server (если включен)
	if config.Env().WebServerEnable {
		logger.Debug("starting service web_server")
		r.webServer = web.NewServer(r.cmdExecutor, r.channels, r.templates, r.accounts, config.Env().WebServerAddress)
		token := r.webServer.GenerateAuthToken()
		pr.Printf("Web interface: http://%s/?token=%s\n", config.Env().WebServerAddress, token)
		go func() {
			if err := r.webServer.Start(); err != nil {
				logger.Errorf("web server error: %v", err)
			}
		}()
		logger.Debug("service web_server started")
	}

	// rotation_engine: засев доступного пула и синхронная первая ротация
	logger.Debug("starting service rotation_engine")
	if err := r.rot.Initialize(ctx); err != nil {
		return errors.Wrap(err, "rotation initialize")
	}
	r.driversWG.Go(func() { r.rot.Run(ctx) })
	logger.Debug("service rotation_engine started")

	// health_checker
	logger.Debug("starting service health_checker")
	r.driversWG.Go(func() { r.health.Run(ctx) })
	logger.Debug("service health_checker started")

	// autosave
	logger.Debug("starting service autosave")
	r.driversWG.Go(func() { r.persister.Run(ctx) })
	logger.Debug("service autosave started")

	// scheduler
	logger.Debug("starting service scheduler")
	r.sch.Start()
	r.driversWG.Go(func() { r.sch.Run(ctx) })
	logger.Debug("service scheduler started")

	return nil
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке

	// scheduler: новые рассылки прекращаются первыми
	logger.Debug("stopping service scheduler")
	if r.sch != nil {
		r.sch.Stop()
	}
	logger.Debug("service scheduler stopped")

	// периодические драйверы: ротация, проверка живости, автосейв, тики
	// рассылки. Wait дожидается и начатого тика: отправки не обрываются.
	logger.Debug("stopping periodic drivers")
	if r.driversCancel != nil {
		r.driversCancel()
	}
	r.driversWG.Wait()
	logger.Debug("periodic drivers stopped")

	// реестр: гасим MTProto-соединения
	logger.Debug("stopping service registry")
	if r.reg != nil {
		r.reg.ReleaseAll()
	}
	logger.Debug("service registry stopped")

	// финальный сброс статистики сессий
	logger.Debug("flushing session snapshots")
	if r.persister != nil {
		r.persister.Flush()
	}
	logger.Debug("session snapshots flushed")

	// web server
	if r.webServer != nil {
		logger.Debug("stopping service web_server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webServerShutdownTimeout)
		defer cancel()
		if err := r.webServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("failed to stop web_server: %v", err)
		}
		logger.Debug("service web_server stopped")
	}

	// cli
	if r.cliService != nil {
		logger.Debug("stopping service cli")
		r.cliService.Stop()
		logger.Debug("service cli stopped")
	}
}
