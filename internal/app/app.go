// Package app — верхний уровень сборки контура продвижения. Здесь связываются
// каталог bbolt (каналы, шаблоны, аккаунты), фабрика MTProto-клиентов, реестр
// соединений, ротация пула, планировщик рассылки, очередь пост-проверок и
// персистентность пер-номерной статистики. Отсюда стартует Runner, который
// оркестрирует жизненный цикл и обеспечивает корректный shutdown.
package app

import (
	"context"
	"sync"
	"time"

	"telegram-promoter/internal/adapters/mtproto"
	"telegram-promoter/internal/adapters/store"
	"telegram-promoter/internal/adapters/webhook"
	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/domain/registry"
	"telegram-promoter/internal/domain/rotation"
	"telegram-promoter/internal/domain/scheduler"
	"telegram-promoter/internal/domain/session"
	"telegram-promoter/internal/domain/verify"
	"telegram-promoter/internal/infra/config"
	"telegram-promoter/internal/infra/logger"

	"github.com/go-faster/errors"
)

// shutdownFlushTimeout ограничивает финальный сброс снапшотов при завершении:
// дольше этого процесс диск не ждёт.
const shutdownFlushTimeout = 60 * time.Second

// poolBridge — это мост, который доводит дельты ротации до реестра соединений
// и трекера сессий, разрывая цикл инициализации: движок ротации видит только
// интерфейсы Listener/PoolListener, а реестр и трекер о ротации не знают вовсе.
type poolBridge struct {
	registry  *registry.Registry
	tracker   *session.Tracker
	persister *session.Persister

	// promoteMsgs — снапшот каталога шаблонов на момент старта процесса.
	// Каждый номер получает его при регистрации и работает с ним до рестарта,
	// даже если каталог правят через REST.
	promoteMsgs map[string]string

	mu   sync.Mutex
	seen map[string]bool // номера, уже зарегистрированные в трекере
}

func newPoolBridge(
	reg *registry.Registry,
	tracker *session.Tracker,
	persister *session.Persister,
	promoteMsgs map[string]string,
) *poolBridge {
	return &poolBridge{
		registry:    reg,
		tracker:     tracker,
		persister:   persister,
		promoteMsgs: promoteMsgs,
		seen:        make(map[string]bool),
	}
}

// MobileSeen регистрирует номер при первом появлении в пуле и поднимает его
// снапшот с диска; на последующих пересчётах только освежает запас дней.
func (b *poolBridge) MobileSeen(mobile string, daysLeft int) {
	b.mu.Lock()
	first := !b.seen[mobile]
	b.seen[mobile] = true
	b.mu.Unlock()

	if first {
		b.tracker.Register(mobile, b.promoteMsgs)
		if err := b.persister.Load(mobile); err != nil {
			logger.Warnf("app: load snapshot for %s: %v", mobile, err)
		}
	}
	b.tracker.SetDaysLeft(mobile, daysLeft)
}

// MobileGone сбрасывает снапшот номера на диск и выводит его из трекера.
func (b *poolBridge) MobileGone(mobile string) {
	if err := b.persister.Save(mobile); err != nil {
		logger.Warnf("app: save snapshot for %s: %v", mobile, err)
	}
	b.tracker.Remove(mobile)

	b.mu.Lock()
	delete(b.seen, mobile)
	b.mu.Unlock()
}

// Released выводит номер из активного набора: ставит метку вывода, гасит
// соединение и фиксирует снапшот на диске.
func (b *poolBridge) Released(_ context.Context, mobile string) {
	b.tracker.SetReleaseTime(mobile, 0)
	b.registry.Release(mobile)
	if err := b.persister.Save(mobile); err != nil {
		logger.Warnf("app: save snapshot for %s: %v", mobile, err)
	}
}

// Acquired поднимает соединение для вошедшего в активный набор номера.
// Ошибка не фатальна: номер отсеется ближайшей проверкой живости.
func (b *poolBridge) Acquired(ctx context.Context, mobile string) {
	if _, err := b.registry.Acquire(ctx, mobile); err != nil {
		logger.Warnf("app: acquire %s: %v", mobile, err)
	}
}

// App агрегирует зависимости promoter'а и управляет их связью.
// Отвечает за:
//   - каталог bbolt и его сторы (каналы, шаблоны, аккаунты),
//   - фабрику MTProto-клиентов и реестр соединений с проверкой живости,
//   - ротацию активного набора и планировщик рассылки,
//   - очередь пост-проверок и персистентность статистики сессий,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	catalog   *store.Catalog           // Каталог bbolt: каналы, шаблоны, аккаунты.
	reg       *registry.Registry       // Реестр живых MTProto-соединений.
	health    *registry.HealthChecker  // Периодическая проверка живости соединений.
	tracker   *session.Tracker         // Состояние сессий в памяти.
	persister *session.Persister       // Снапшоты состояния сессий на диске.
	rot       *rotation.Engine         // Ротация активного набора номеров.
	queue     *verify.Queue            // Отложенные проверки выживания сообщений.
	sch       *scheduler.Scheduler     // Планировщик рассылки.
	runner    *Runner                  // Оркестратор жизненного цикла и CLI.
}

// NewApp создаёт пустой каркас приложения. Фактическая сборка выполняется в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает контур и передаёт управление Runner'у. Блокируется до остановки
// приложения и возвращает ошибку, если сборка или запуск не удались.
func (a *App) Run() error {
	logger.Info("Promoter initializing...")
	env := config.Env()

	// 1) Каталог: постоянные данные о каналах, шаблонах и аккаунтах.
	catalog, err := store.Open(env.CatalogFile)
	if err != nil {
		return errors.Wrap(err, "open catalog")
	}
	a.catalog = catalog
	defer func() {
		if closeErr := catalog.Close(); closeErr != nil {
			logger.Errorf("close catalog: %v", closeErr)
		}
	}()

	channels := catalog.Channels()
	templates := catalog.Templates()
	accounts := catalog.Accounts()

	// Снапшот шаблонов фиксируется один раз на старте: рассылка работает с ним
	// до перезапуска процесса.
	promoteMsgs, err := templates.FindOne(a.mainCtx)
	if err != nil {
		return errors.Wrap(err, "load promo templates")
	}
	if len(promoteMsgs) == 0 {
		logger.Warn("Promo template catalog is empty: sends will be skipped until templates are uploaded")
	}

	// 2) Транспорт: фабрика пер-номерных клиентов и реестр соединений.
	factory := mtproto.NewFactory(mtproto.Options{
		APIID:       env.APIID,
		APIHash:     env.APIHash,
		SessionDir:  env.SessionDir,
		ThrottleRPS: env.ThrottleRPS,
		TestDC:      env.TestDC,
	})
	a.reg = registry.New(factory, accounts, registry.Options{
		ConnectTimeout:    env.ConnectionTimeout,
		DisconnectTimeout: env.DisconnectTimeout,
		MaxConnections:    env.MaxConcurrentConnections,
	})

	// 3) Состояние сессий и его персистентность.
	a.tracker = session.NewTracker(env.MaxResultsSize)
	a.persister = session.NewPersister(a.tracker, env.StatsDir, env.AutoSaveInterval, shutdownFlushTimeout)

	// 4) Наблюдатели контура: вебхук событий и внешний список банов.
	// Конструкторы возвращают nil при пустом URL; typed-nil в интерфейс не кладём.
	var notifier promo.Notifier = promo.NopNotifier{}
	if wh := webhook.NewNotifier(env.WebhookURL); wh != nil {
		notifier = wh
	}
	var banned scheduler.BannedListSource
	if bl := webhook.NewBannedList(env.BannedChannelsURL); bl != nil {
		banned = bl
	}

	// 5) Очередь пост-проверок отправленных сообщений.
	a.queue = verify.NewQueue(a.reg, channels, notifier, env.MaxQueueSize, env.MessageCheckDelay)

	// 6) Ротация активного набора. Мост доводит дельты до реестра и трекера.
	bridge := newPoolBridge(a.reg, a.tracker, a.persister, promoteMsgs)
	a.rot = rotation.New(accounts, a.reg, bridge, bridge, rotation.Options{
		Slots:        env.ActiveSlots,
		BaseInterval: env.RotationInterval,
		MinInterval:  env.MinRotationInterval,
		MaxInterval:  env.MaxRotationInterval,
		Jitter:       env.RotationJitter,
		HistoryCap:   env.MaxRotationHistory,
	})

	// 7) Проверка живости: по завершении каждого цикла пересчитывается пул.
	a.health = registry.NewHealthChecker(a.reg, env.HealthCheckInterval, 0, 0, a.rot.RefreshAvailable)

	// 8) Планировщик рассылки.
	a.sch = scheduler.New(a.reg, a.tracker, a.queue, channels, notifier, a.rot, banned, scheduler.Options{
		Interval: env.PromotionInterval,
	})

	// Конструируем Runner, который запустит драйверы и обеспечит корректный shutdown.
	a.runner = NewRunner(
		a.mainCtx,
		a.mainCancel,
		a.sch,
		a.rot,
		a.reg,
		a.health,
		a.tracker,
		a.persister,
		a.queue,
		channels,
		templates,
		accounts,
	)

	return a.runner.Run()
}
