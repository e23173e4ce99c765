package registry

// Пакет registry владеет активными MTProto-соединениями: создаёт их через
// фабрику транспорта, ограничивает общее число, раздаёт живые клиенты
// планировщику и выводит соединения из эксплуатации. Создание соединения
// одного номера схлопывается в один полёт: конкурирующие вызовы Acquire
// делят результат.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/clock"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/metrics"

	"github.com/go-faster/errors"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
	defaultMaxConnections    = 100
)

// Connection — учётная запись одного живого соединения.
type Connection struct {
	Mobile    string
	Client    promo.RemoteClient
	CreatedAt int64

	active          atomic.Bool
	lastHealthCheck atomic.Int64
	lastDeepProbe   atomic.Int64
}

// IsActive сообщает, закреплено ли соединение за номером (false — идёт вывод).
func (c *Connection) IsActive() bool {
	return c.active.Load()
}

// LastHealthCheck возвращает метку последней проверки живости.
func (c *Connection) LastHealthCheck() int64 {
	return c.lastHealthCheck.Load()
}

// MarkDeepProbe фиксирует момент последней глубокой проверки (getSelf).
func (c *Connection) MarkDeepProbe(at int64) {
	c.lastDeepProbe.Store(at)
}

// DeepProbeStale отвечает, пора ли повторять глубокую проверку.
func (c *Connection) DeepProbeStale(maxAge time.Duration, now int64) bool {
	return c.lastDeepProbe.Load() < now-maxAge.Milliseconds()
}

// Options — пределы реестра.
type Options struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	MaxConnections    int
}

func (o *Options) fillDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = defaultDisconnectTimeout
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaultMaxConnections
	}
}

// Registry — реестр активных соединений, по одному на номер.
type Registry struct {
	factory  promo.ClientFactory
	accounts promo.AccountStore
	opts     Options

	mu    sync.RWMutex
	conns map[string]*Connection

	flight singleflight.Group
	now    func() int64
}

// New собирает реестр поверх фабрики транспорта и каталога аккаунтов.
func New(factory promo.ClientFactory, accounts promo.AccountStore, opts Options) *Registry {
	opts.fillDefaults()
	return &Registry{
		factory:  factory,
		accounts: accounts,
		opts:     opts,
		conns:    make(map[string]*Connection),
		now:      clock.NowMillis,
	}
}

// Acquire возвращает живое соединение номера, при необходимости создавая его.
// Конкурентные вызовы для одного номера делят одно создание (single-flight).
func (r *Registry) Acquire(ctx context.Context, mobile string) (*Connection, error) {
	if conn := r.lookupHealthy(mobile); conn != nil {
		return conn, nil
	}
	v, err, _ := r.flight.Do(mobile, func() (any, error) {
		if conn := r.lookupHealthy(mobile); conn != nil {
			return conn, nil
		}
		return r.establish(ctx, mobile)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// Get — неcоздающий поиск: nil, если соединения нет или оно отключено.
func (r *Registry) Get(mobile string) promo.RemoteClient {
	conn := r.lookup(mobile)
	if conn == nil || !conn.active.Load() || !conn.Client.IsConnected() {
		return nil
	}
	return conn.Client
}

// Lookup возвращает учётную запись соединения без проверки живости.
func (r *Registry) Lookup(mobile string) *Connection {
	return r.lookup(mobile)
}

// Release выводит соединение номера: снимает флаг активности, гонит
// Disconnect против таймаута и снимает запись с учёта в любом исходе.
// Повторный вызов — no-op.
func (r *Registry) Release(mobile string) {
	conn := r.lookup(mobile)
	if conn == nil {
		return
	}
	if !conn.active.CompareAndSwap(true, false) {
		return // вывод уже идёт в другом вызове
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.DisconnectTimeout)
	defer cancel()
	if err := conn.Client.Disconnect(ctx); err != nil {
		logger.Warnf("registry: disconnect %s: %v", mobile, err)
	}

	r.mu.Lock()
	if cur, ok := r.conns[mobile]; ok && cur == conn {
		delete(r.conns, mobile)
	}
	count := len(r.conns)
	r.mu.Unlock()
	metrics.ConnectionsOpen.Set(float64(count))
	logger.Infof("registry: %s released (%d connections open)", mobile, count)
}

// ReleaseAll параллельно выводит все соединения; каждое ограничено своим
// таймаутом отключения.
func (r *Registry) ReleaseAll() {
	r.mu.RLock()
	mobiles := make([]string, 0, len(r.conns))
	for m := range r.conns {
		mobiles = append(mobiles, m)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, m := range mobiles {
		wg.Go(func() { r.Release(m) })
	}
	wg.Wait()
}

// HealthMap возвращает срез живости зарегистрированных соединений.
// Номера без соединения в карту не попадают: их живость неизвестна, а не
// отрицательна.
func (r *Registry) HealthMap() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.conns))
	for m, conn := range r.conns {
		out[m] = conn.active.Load() && conn.Client.IsConnected()
	}
	return out
}

// Count возвращает число зарегистрированных соединений.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) lookup(mobile string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[mobile]
}

func (r *Registry) lookupHealthy(mobile string) *Connection {
	conn := r.lookup(mobile)
	if conn != nil && conn.active.Load() && conn.Client.IsConnected() {
		return conn
	}
	return nil
}

// establish создаёт (или реанимирует) соединение номера. Вызывается только
// изнутри single-flight.
func (r *Registry) establish(ctx context.Context, mobile string) (*Connection, error) {
	cctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	// Запись есть, но транспорт не живой: сперва пробуем разбудить его же.
	if conn := r.lookup(mobile); conn != nil {
		if err := conn.Client.Connect(cctx); err == nil {
			conn.active.Store(true)
			return conn, nil
		}
		r.Release(mobile)
	}

	known, err := r.knownMobile(cctx, mobile)
	if err != nil {
		return nil, errors.Wrap(err, "account lookup")
	}
	if !known {
		return nil, errors.Wrapf(promo.ErrAccountNotFound, "mobile %s", mobile)
	}

	r.mu.RLock()
	total := len(r.conns)
	r.mu.RUnlock()
	if total >= r.opts.MaxConnections {
		return nil, errors.Wrapf(promo.ErrLimitReached, "%d connections open", total)
	}

	client, err := r.factory.New(cctx, mobile)
	if err != nil {
		r.onEstablishError(cctx, mobile, err)
		return nil, err
	}

	now := r.now()
	conn := &Connection{Mobile: mobile, Client: client, CreatedAt: now}
	conn.active.Store(true)
	conn.lastHealthCheck.Store(now)

	r.mu.Lock()
	r.conns[mobile] = conn
	count := len(r.conns)
	r.mu.Unlock()
	metrics.ConnectionsOpen.Set(float64(count))
	logger.Infof("registry: %s connected (%d connections open)", mobile, count)
	return conn, nil
}

// knownMobile проверяет, что номер числится промо-номером живого аккаунта.
func (r *Registry) knownMobile(ctx context.Context, mobile string) (bool, error) {
	accounts, err := r.accounts.GetActiveClients(ctx)
	if err != nil {
		return false, err
	}
	for _, acc := range accounts {
		if acc.Owns(mobile) {
			return true, nil
		}
	}
	return false, nil
}

// onEstablishError помечает аккаунт истёкшим при невосстановимом отказе
// (разлогин, бан номера): до смены состояния аккаунта номер в ротацию не
// вернётся.
func (r *Registry) onEstablishError(ctx context.Context, mobile string, err error) {
	var acc *promo.AccountError
	if !errors.As(err, &acc) {
		return
	}
	n, markErr := r.accounts.MarkExpired(ctx, func(a promo.Account) bool { return a.Owns(mobile) })
	if markErr != nil {
		logger.Errorf("registry: mark %s expired: %v", mobile, markErr)
		return
	}
	logger.Warnf("registry: %s failed permanently (%s), %d account(s) marked expired",
		mobile, acc.Code, n)
}
