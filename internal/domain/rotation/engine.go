package rotation

// Пакет rotation управляет составом активного набора номеров: раз в джиттерный
// интервал активный набор пересдаётся случайной выборкой из доступного пула.
// Сам движок соединениями не владеет: дельты (кого освободить, кого поднять)
// уходят в Listener, чтобы реестр обрабатывал их, не держа блокировку ротации.

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/clock"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/metrics"

	"github.com/google/uuid"
)

const (
	defaultSlots        = 4
	defaultBaseInterval = 4 * time.Hour
	defaultMinInterval  = 3 * time.Hour
	defaultMaxInterval  = 6 * time.Hour
	defaultJitter       = 0.30
	defaultHistoryCap   = 50
)

// Listener получает дельты ротации. Released всегда приходит раньше Acquired:
// пиковое число соединений не превышает числа слотов.
type Listener interface {
	Released(ctx context.Context, mobile string)
	Acquired(ctx context.Context, mobile string)
}

// HealthSource отдаёт срез живости соединений. Номера без соединения в карте
// отсутствуют: их живость неизвестна и пул их не дисквалифицирует.
type HealthSource interface {
	HealthMap() map[string]bool
}

// PoolListener узнаёт об изменениях состава пула. MobileSeen приходит на каждый
// пересчёт пула для каждого номера (с актуальным запасом дней аккаунта),
// MobileGone — когда номер покидает пул насовсем.
type PoolListener interface {
	MobileSeen(mobile string, daysLeft int)
	MobileGone(mobile string)
}

// Record — одна запись истории ротаций.
type Record struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Selected  []string `json:"selected"`
}

// Status — срез состояния движка для консоли и REST.
type Status struct {
	Active        []string `json:"active"`
	Available     []string `json:"available"`
	LastRotation  int64    `json:"lastRotation"`
	RotationCount int      `json:"rotationCount"`
}

// Options — параметры планирования и выборки.
type Options struct {
	Slots        int
	BaseInterval time.Duration
	MinInterval  time.Duration
	MaxInterval  time.Duration
	Jitter       float64
	HistoryCap   int
}

func (o *Options) fillDefaults() {
	if o.Slots <= 0 {
		o.Slots = defaultSlots
	}
	if o.BaseInterval <= 0 {
		o.BaseInterval = defaultBaseInterval
	}
	if o.MinInterval <= 0 {
		o.MinInterval = defaultMinInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = defaultMaxInterval
	}
	if o.Jitter <= 0 || o.Jitter >= 1 {
		o.Jitter = defaultJitter
	}
	if o.HistoryCap <= 0 {
		o.HistoryCap = defaultHistoryCap
	}
}

// Engine — движок ротации.
type Engine struct {
	accounts promo.AccountStore
	health   HealthSource
	listener Listener
	pool     PoolListener // может быть nil
	opts     Options

	mu        sync.Mutex
	available []string
	active    []string
	history   []Record
	rotations int

	rndMu sync.Mutex
	rnd   *rand.Rand
	now   func() int64
}

// New собирает движок ротации. pool может быть nil.
func New(
	accounts promo.AccountStore,
	health HealthSource,
	listener Listener,
	pool PoolListener,
	opts Options,
) *Engine {
	opts.fillDefaults()
	return &Engine{
		accounts: accounts,
		health:   health,
		listener: listener,
		pool:     pool,
		opts:     opts,
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:      clock.NowMillis,
	}
}

// Initialize засевает пул из каталога аккаунтов и выполняет первичную выборку
// активного набора. Планирование последующих ротаций — забота Run.
func (e *Engine) Initialize(ctx context.Context) error {
	pool, err := e.loadPool(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.available = pool
	e.mu.Unlock()
	metrics.AvailableMobiles.Set(float64(len(pool)))
	logger.Infof("rotation: pool seeded with %d mobiles", len(pool))

	e.Rotate(ctx)
	return nil
}

// Run планирует ротации с джиттером; завершается по отмене ctx.
func (e *Engine) Run(ctx context.Context) {
	for {
		delay := e.nextDelay()
		logger.Debugf("rotation: next rotation in %s", delay.Round(time.Second))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.Rotate(ctx)
		}
	}
}

// Rotate пересдаёт активный набор: равномерная случайная выборка размером
// min(slots, |available|) тасовкой Фишера–Йетса. Выпавшие номера освобождаются
// до того, как поднимаются новые.
func (e *Engine) Rotate(ctx context.Context) {
	e.mu.Lock()
	avail := slices.Clone(e.available)
	old := slices.Clone(e.active)
	e.mu.Unlock()

	next := e.pick(avail)
	toRemove := diff(old, next)
	toAdd := diff(next, old)

	for _, m := range toRemove {
		e.listener.Released(ctx, m)
	}
	for _, m := range toAdd {
		e.listener.Acquired(ctx, m)
	}

	e.mu.Lock()
	e.active = next
	e.rotations++
	e.appendHistoryLocked(next)
	e.mu.Unlock()

	metrics.RotationsTotal.Inc()
	metrics.ActiveMobiles.Set(float64(len(next)))
	logger.Infof("rotation: active set %v (released %d, acquired %d)", next, len(toRemove), len(toAdd))
}

// RefreshAvailable пересчитывает пул: состав — промо-номера живых аккаунтов,
// минус номера с заведомо неживым соединением. Номера, покинувшие доступный
// пул, немедленно выбывают и из активного набора.
func (e *Engine) RefreshAvailable(ctx context.Context) {
	pool, err := e.loadPool(ctx)
	if err != nil {
		logger.Errorf("rotation: refresh pool: %v", err)
		return
	}
	health := e.health.HealthMap()

	next := make([]string, 0, len(pool))
	for _, m := range pool {
		if ok, tracked := health[m]; tracked && !ok {
			continue
		}
		next = append(next, m)
	}

	e.mu.Lock()
	prevPool := e.available
	e.available = next

	kept := make([]string, 0, len(e.active))
	var dropped []string
	nextSet := toSet(next)
	for _, m := range e.active {
		if _, ok := nextSet[m]; ok {
			kept = append(kept, m)
		} else {
			dropped = append(dropped, m)
		}
	}
	e.active = kept
	e.mu.Unlock()

	for _, m := range dropped {
		e.listener.Released(ctx, m)
	}
	if e.pool != nil {
		poolSet := toSet(pool)
		for _, m := range prevPool {
			if _, ok := poolSet[m]; !ok {
				e.pool.MobileGone(m)
			}
		}
	}

	metrics.AvailableMobiles.Set(float64(len(next)))
	metrics.ActiveMobiles.Set(float64(len(kept)))
	if len(dropped) > 0 {
		logger.Warnf("rotation: dropped from active set as unavailable: %v", dropped)
	}
}

// CurrentActive возвращает копию активного набора.
func (e *Engine) CurrentActive() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.active)
}

// Available возвращает копию доступного пула.
func (e *Engine) Available() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.available)
}

// Patterns возвращает историю ротаций, новые записи в конце.
func (e *Engine) Patterns() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.history))
	for i, r := range e.history {
		out[i] = Record{ID: r.ID, Timestamp: r.Timestamp, Selected: slices.Clone(r.Selected)}
	}
	return out
}

// Status возвращает срез состояния движка.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Active:        slices.Clone(e.active),
		Available:     slices.Clone(e.available),
		RotationCount: e.rotations,
	}
	if n := len(e.history); n > 0 {
		st.LastRotation = e.history[n-1].Timestamp
	}
	return st
}

// loadPool собирает пул промо-номеров живых аккаунтов (с дедупликацией) и
// сообщает наблюдателю актуальный запас дней каждого номера.
func (e *Engine) loadPool(ctx context.Context) ([]string, error) {
	accounts, err := e.accounts.GetActiveClients(ctx)
	if err != nil {
		return nil, err
	}
	now := time.UnixMilli(e.now())
	seen := make(map[string]struct{})
	var pool []string
	for _, acc := range accounts {
		days := acc.DaysLeftAt(now)
		for _, m := range acc.PromoteMobiles {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			pool = append(pool, m)
			if e.pool != nil {
				e.pool.MobileSeen(m, days)
			}
		}
	}
	sort.Strings(pool)
	return pool, nil
}

// pick — равномерная выборка min(slots, |available|) номеров.
func (e *Engine) pick(available []string) []string {
	n := min(e.opts.Slots, len(available))
	list := slices.Clone(available)
	e.rndMu.Lock()
	e.rnd.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
	e.rndMu.Unlock()
	return list[:n]
}

// nextDelay выбирает интервал base·(1±jitter), зажатый в [min, max].
func (e *Engine) nextDelay() time.Duration {
	e.rndMu.Lock()
	factor := 1 + e.opts.Jitter*(2*e.rnd.Float64()-1)
	e.rndMu.Unlock()
	d := time.Duration(float64(e.opts.BaseInterval) * factor)
	if d < e.opts.MinInterval {
		d = e.opts.MinInterval
	}
	if d > e.opts.MaxInterval {
		d = e.opts.MaxInterval
	}
	return d
}

func (e *Engine) appendHistoryLocked(selected []string) {
	e.history = append(e.history, Record{
		ID:        uuid.NewString(),
		Timestamp: e.now(),
		Selected:  slices.Clone(selected),
	})
	if len(e.history) > e.opts.HistoryCap {
		e.history = e.history[len(e.history)-e.opts.HistoryCap:]
	}
}

// diff возвращает элементы a, отсутствующие в b, сохраняя порядок.
func diff(a, b []string) []string {
	bset := toSet(b)
	var out []string
	for _, x := range a {
		if _, ok := bset[x]; !ok {
			out = append(out, x)
		}
	}
	return out
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, x := range list {
		set[x] = struct{}{}
	}
	return set
}
