package scheduler

// Пакет scheduler гоняет главный цикл рассылки: раз в PROMOTION_INTERVAL
// здоровые номера активного набора пытаются отправить по одному промо в свой
// текущий канал. Конкурентность ограничена размером пачки, внутри пачки старты
// слегка рассинхронизированы. Тем же тиком дренируется очередь проверок.

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/domain/registry"
	"telegram-promoter/internal/domain/session"
	"telegram-promoter/internal/domain/verify"
	"telegram-promoter/internal/infra/clock"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/metrics"
)

const (
	defaultInterval        = 5 * time.Second
	defaultBatchSize       = 3
	defaultStagger         = 500 * time.Millisecond
	defaultProbeTimeout    = 10 * time.Second
	defaultDeepProbeEvery  = 2 * time.Hour
	defaultDialogsLimit    = 500
	defaultChannelsCap     = 250
	defaultMinParticipants = 500
	defaultBannedThreshold = 150
)

// ActiveSource отдаёт текущий активный набор ротации.
type ActiveSource interface {
	CurrentActive() []string
}

// BannedListSource отдаёт внешний список запрещённых каналов.
type BannedListSource interface {
	BannedChannels(ctx context.Context) ([]string, error)
}

// Options — параметры цикла рассылки.
type Options struct {
	Interval       time.Duration
	BatchSize      int
	Stagger        time.Duration
	ProbeTimeout   time.Duration
	DeepProbeEvery time.Duration

	DialogsLimit        int
	ChannelsCap         int
	MinParticipants     int
	BannedListThreshold int
}

func (o *Options) fillDefaults() {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Stagger < 0 {
		o.Stagger = defaultStagger
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = defaultProbeTimeout
	}
	if o.DeepProbeEvery <= 0 {
		o.DeepProbeEvery = defaultDeepProbeEvery
	}
	if o.DialogsLimit <= 0 {
		o.DialogsLimit = defaultDialogsLimit
	}
	if o.ChannelsCap <= 0 {
		o.ChannelsCap = defaultChannelsCap
	}
	if o.MinParticipants <= 0 {
		o.MinParticipants = defaultMinParticipants
	}
	if o.BannedListThreshold <= 0 {
		o.BannedListThreshold = defaultBannedThreshold
	}
}

// Scheduler — планировщик рассылки.
type Scheduler struct {
	registry *registry.Registry
	tracker  *session.Tracker
	queue    *verify.Queue
	channels promo.ChannelStore
	notifier promo.Notifier
	active   ActiveSource
	banned   BannedListSource // может быть nil
	opts     Options

	running atomic.Bool

	rndMu sync.Mutex
	rnd   *rand.Rand
	now   func() int64
}

// New собирает планировщик. banned может быть nil; notifier nil заменяется
// заглушкой.
func New(
	reg *registry.Registry,
	tracker *session.Tracker,
	queue *verify.Queue,
	channels promo.ChannelStore,
	notifier promo.Notifier,
	active ActiveSource,
	banned BannedListSource,
	opts Options,
) *Scheduler {
	opts.fillDefaults()
	if notifier == nil {
		notifier = promo.NopNotifier{}
	}
	return &Scheduler{
		registry: reg,
		tracker:  tracker,
		queue:    queue,
		channels: channels,
		notifier: notifier,
		active:   active,
		banned:   banned,
		opts:     opts,
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:      clock.NowMillis,
	}
}

// Start разрешает рассылку (операторский выключатель).
func (s *Scheduler) Start() {
	s.running.Store(true)
	logger.Info("scheduler: promotion started")
}

// Stop запрещает рассылку; начатые отправки дорабатывают.
func (s *Scheduler) Stop() {
	s.running.Store(false)
	logger.Info("scheduler: promotion stopped")
}

// IsRunning сообщает, разрешена ли рассылка.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Run — главный цикл; завершается по отмене ctx. Начатый тик дорабатывает на
// неотменяемом контексте: остановка процесса не обрывает отправку на полуслове,
// цикл гаснет между тиками.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick — один глобальный проход: дренаж очереди проверок и пачки отправок.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.running.Load() {
		return
	}

	var wg sync.WaitGroup
	wg.Go(func() { s.queue.Drain(ctx) })

	mobiles := s.healthyActive()
	for batch := range slices.Chunk(mobiles, s.opts.BatchSize) {
		var bwg sync.WaitGroup
		for _, mobile := range batch {
			delay := s.staggerDelay()
			bwg.Go(func() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				s.promoteOne(ctx, mobile)
			})
		}
		bwg.Wait()
		if ctx.Err() != nil {
			break
		}
	}
	wg.Wait()
}

// healthyActive — номера активного набора, готовые к отправке прямо сейчас.
func (s *Scheduler) healthyActive() []string {
	var out []string
	for _, m := range s.active.CurrentActive() {
		if s.tracker.IsHealthy(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Scheduler) staggerDelay() time.Duration {
	if s.opts.Stagger <= 0 {
		return 0
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return time.Duration(s.rnd.Int64N(int64(s.opts.Stagger) + 1))
}

// promoteOne — полный шаг одного номера: соединение, свежая проверка сессии,
// выбор канала, сборка сообщения, отправка, учёт исхода. Курсор по каналам
// сдвигается на любом исходе после выбора канала.
func (s *Scheduler) promoteOne(ctx context.Context, mobile string) {
	if !s.tracker.BeginPromotion(mobile) {
		return
	}
	defer s.tracker.EndPromotion(mobile)

	conn, err := s.registry.Acquire(ctx, mobile)
	if err != nil {
		logger.Warnf("scheduler: acquire %s: %v", mobile, err)
		return
	}
	client := conn.Client

	if conn.DeepProbeStale(s.opts.DeepProbeEvery, s.now()) {
		pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		_, probeErr := client.GetSelf(pctx)
		cancel()
		if probeErr != nil {
			logger.Warnf("scheduler: deep probe of %s: %v", mobile, probeErr)
			return
		}
		conn.MarkDeepProbe(s.now())
	}

	if len(s.tracker.Channels(mobile)) == 0 {
		if !s.refillChannels(ctx, client, mobile) {
			return
		}
	}

	channelID, ok := s.tracker.CurrentChannel(mobile)
	if !ok {
		return
	}

	if s.tracker.IsBanned(mobile, channelID) {
		logger.Debugf("scheduler: %s skips banned channel %s", mobile, channelID)
		s.tracker.AdvanceChannel(mobile)
		return
	}
	defer s.tracker.AdvanceChannel(mobile)

	ch, err := s.resolveChannel(ctx, client, channelID)
	if err != nil {
		logger.Warnf("scheduler: resolve channel %s for %s: %v", channelID, mobile, err)
		return
	}
	if ch.Banned {
		logger.Debugf("scheduler: channel %s is closed for promo, skipping", channelID)
		return
	}

	msg := s.composeMessage(mobile, ch)
	if msg.text == "" {
		logger.Warnf("scheduler: no template for variant %s, mobile %s skips %s",
			msg.variant, mobile, channelID)
		return
	}

	s.send(ctx, client, mobile, ch, msg)
}

// resolveChannel — метаданные канала сквозь кэш каталога: промах дотягивается
// из транспорта и записывается обратно.
func (s *Scheduler) resolveChannel(ctx context.Context, client promo.RemoteClient, channelID string) (*promo.Channel, error) {
	ch, err := s.channels.FindOne(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		return ch, nil
	}
	fetched, err := client.GetEntity(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.channels.Upsert(ctx, fetched); err != nil {
		return nil, err
	}
	return fetched, nil
}

// send выполняет отправку и разбирает исход по роду ошибки.
func (s *Scheduler) send(ctx context.Context, client promo.RemoteClient, mobile string, ch *promo.Channel, msg composed) {
	msgID, err := client.SendMessage(ctx, ch.ID, msg.text)
	if err == nil {
		s.onSendSuccess(mobile, ch, msg, msgID)
		return
	}

	sendErr, isSendErr := promo.AsSendError(err)
	if !isSendErr {
		s.onSendFailure(mobile, ch, "ERR_INTERNAL", err)
		return
	}

	switch sendErr.Kind {
	case promo.KindFloodWait:
		s.tracker.SetSleep(mobile, s.now()+int64(sendErr.Seconds)*1000)
		metrics.FloodWaitSeconds.Add(float64(sendErr.Seconds))
		s.onSendFailure(mobile, ch, sendErr.Code, err)
		logger.Warnf("scheduler: %s got FLOOD_WAIT for %d s", mobile, sendErr.Seconds)

	case promo.KindChannelPrivate:
		if ch.Username == "" {
			s.onSendFailure(mobile, ch, sendErr.Code, err)
			return
		}
		// Единственная повторная попытка: вдруг канал доступен по username.
		retryID, retryErr := client.SendMessage(ctx, "@"+ch.Username, msg.text)
		if retryErr == nil {
			s.notifier.Notify(ctx, promo.Event{
				Kind:      promo.EventBypass403,
				Mobile:    mobile,
				ChannelID: ch.ID,
				Variant:   msg.variant,
				Detail:    "sent via @" + ch.Username + " after CHANNEL_PRIVATE",
			})
			s.onSendSuccess(mobile, ch, msg, retryID)
			return
		}
		code := sendErr.Code
		if re, isRetrySendErr := promo.AsSendError(retryErr); isRetrySendErr {
			code = re.Code
		}
		s.notifier.Notify(ctx, promo.Event{
			Kind:      promo.EventRetryExhausted,
			Mobile:    mobile,
			ChannelID: ch.ID,
			Variant:   msg.variant,
			Detail:    "username retry failed: " + code,
		})
		s.onSendFailure(mobile, ch, code, retryErr)

	case promo.KindTerminalAccount:
		s.onSendFailure(mobile, ch, sendErr.Code, err)

	default:
		// KindUserBanned, KindWriteForbidden, KindTransient
		s.onSendFailure(mobile, ch, sendErr.Code, err)
	}
}

func (s *Scheduler) onSendSuccess(mobile string, ch *promo.Channel, msg composed, msgID int64) {
	now := s.now()
	s.tracker.UpdateLastMessageTime(mobile, now)
	s.tracker.IncSuccess(mobile)
	s.tracker.IncMessageCount(mobile)
	s.tracker.SetFailureReason(mobile, "")
	s.tracker.RecordOutcome(mobile, ch.ID, session.Outcome{Success: true})
	s.queue.Push(mobile, promo.PendingVerification{
		ChannelID:    ch.ID,
		MessageID:    msgID,
		VariantIndex: msg.variant,
		Timestamp:    now,
	})
	metrics.SendsTotal.WithLabelValues("success").Inc()
	logger.Infof("scheduler: %s sent variant %s to %s (message %d)", mobile, msg.variant, ch.ID, msgID)
}

func (s *Scheduler) onSendFailure(mobile string, ch *promo.Channel, code string, err error) {
	s.tracker.RecordOutcome(mobile, ch.ID, session.Outcome{Success: false, ErrorMessage: code})
	s.tracker.IncFailed(mobile)
	s.tracker.SetFailureReason(mobile, code)
	outcome := promo.KindTransient
	if sendErr, isSendErr := promo.AsSendError(err); isSendErr {
		outcome = sendErr.Kind
	}
	metrics.SendsTotal.WithLabelValues(outcome.String()).Inc()
	logger.Warnf("scheduler: %s failed to send to %s: %s (%v)", mobile, ch.ID, code, err)
}
