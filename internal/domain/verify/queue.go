package verify

// Пакет verify откладывает проверку каждого отправленного сообщения: спустя
// MESSAGE_CHECK_DELAY после отправки история канала зондируется, и если
// сообщение исчезло — модераторы его удалили — каталог каналов корректируется:
// удалённый вариант шаблона исключается, а удаление канарейки "0" при пустом
// списке вариантов закрывает канал целиком.

import (
	"context"
	"sync"
	"time"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/clock"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/metrics"
)

// historyLookBehind — насколько ниже проверяемого сообщения опускается зонд
// истории: minId = messageId − 2.
const historyLookBehind = 2

// ClientSource отдаёт живой транспорт номера без создания нового.
// nil — транспорта нет или он отключён.
type ClientSource interface {
	Get(mobile string) promo.RemoteClient
}

// Queue — пер-номерные FIFO отложенных проверок.
type Queue struct {
	clients  ClientSource
	channels promo.ChannelStore
	notifier promo.Notifier

	delay   time.Duration
	maxSize int

	mu     sync.Mutex
	queues map[string][]promo.PendingVerification

	now func() int64 // источник времени, подменяется в тестах
}

// NewQueue собирает очередь проверок. maxSize — потолок очереди одного номера,
// delay — возраст записи, после которого она созревает для проверки.
func NewQueue(
	clients ClientSource,
	channels promo.ChannelStore,
	notifier promo.Notifier,
	maxSize int,
	delay time.Duration,
) *Queue {
	if notifier == nil {
		notifier = promo.NopNotifier{}
	}
	return &Queue{
		clients:  clients,
		channels: channels,
		notifier: notifier,
		delay:    delay,
		maxSize:  maxSize,
		queues:   make(map[string][]promo.PendingVerification),
		now:      clock.NowMillis,
	}
}

// Push ставит проверку в хвост очереди номера. При переполнении отбрасывается
// десятая часть самых старых записей.
func (q *Queue) Push(mobile string, item promo.PendingVerification) {
	q.mu.Lock()
	defer q.mu.Unlock()

	list := q.queues[mobile]
	if len(list) >= q.maxSize {
		drop := q.maxSize / 10 //nolint:mnd // сбрасываем 10% самых старых
		if drop < 1 {
			drop = 1
		}
		list = list[drop:]
		logger.Warnf("verify: queue of %s overflowed, dropped %d oldest checks", mobile, drop)
	}
	q.queues[mobile] = append(list, item)
	metrics.VerificationQueueDepth.Set(float64(q.totalLocked()))
}

// Len возвращает длину очереди номера.
func (q *Queue) Len(mobile string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[mobile])
}

// Total возвращает суммарную глубину всех очередей.
func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

func (q *Queue) totalLocked() int {
	total := 0
	for _, list := range q.queues {
		total += len(list)
	}
	return total
}

// takeDue снимает с головы каждой очереди записи, достигшие нужного возраста.
// Записи внутри очереди упорядочены по времени, поэтому созревшие — префикс.
func (q *Queue) takeDue(now int64) map[string][]promo.PendingVerification {
	q.mu.Lock()
	defer q.mu.Unlock()

	cut := now - q.delay.Milliseconds()
	due := make(map[string][]promo.PendingVerification)
	for mobile, list := range q.queues {
		n := 0
		for n < len(list) && list[n].Timestamp <= cut {
			n++
		}
		if n == 0 {
			continue
		}
		due[mobile] = list[:n]
		rest := list[n:]
		if len(rest) == 0 {
			delete(q.queues, mobile)
		} else {
			q.queues[mobile] = rest
		}
	}
	if len(due) > 0 {
		metrics.VerificationQueueDepth.Set(float64(q.totalLocked()))
	}
	return due
}

// Drain обрабатывает все созревшие проверки. Каждая снятая запись потребляется
// ровно один раз: ошибки зонда логируются, повторов не бывает.
func (q *Queue) Drain(ctx context.Context) {
	due := q.takeDue(q.now())
	for mobile, items := range due {
		client := q.clients.Get(mobile)
		for _, item := range items {
			if client == nil {
				logger.Warnf("verify: no client for %s, skipping check of message %d in %s",
					mobile, item.MessageID, item.ChannelID)
				metrics.VerificationsTotal.WithLabelValues("error").Inc()
				continue
			}
			q.check(ctx, mobile, client, item)
		}
	}
}

// check зондирует историю канала вокруг проверяемого сообщения. Первое
// возвращённое (самое свежее) сообщение с тем же ID означает, что отправка
// пережила модерацию.
func (q *Queue) check(ctx context.Context, mobile string, client promo.RemoteClient, item promo.PendingVerification) {
	ids, err := client.GetMessages(ctx, item.ChannelID, item.MessageID-historyLookBehind)
	if err != nil {
		logger.Warnf("verify: history probe of %s for %s: %v", item.ChannelID, mobile, err)
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		return
	}
	if len(ids) > 0 && ids[0] == item.MessageID {
		q.onSurvived(ctx, mobile, item)
		return
	}
	q.onDeleted(ctx, mobile, item)
}

// onSurvived освежает метку последней отправки в канал.
func (q *Queue) onSurvived(ctx context.Context, mobile string, item promo.PendingVerification) {
	metrics.VerificationsTotal.WithLabelValues("survived").Inc()
	err := q.channels.Update(ctx, item.ChannelID, func(ch *promo.Channel) {
		ch.LastMessageTime = item.Timestamp
	})
	if err != nil {
		logger.Errorf("verify: refresh lastMessageTime of %s: %v", item.ChannelID, err)
	}
	logger.Debugf("verify: message %d survived in %s (variant %s, mobile %s)",
		item.MessageID, item.ChannelID, item.VariantIndex, mobile)
}

// onDeleted применяет политику удаления: канарейка "0" при пустом списке
// вариантов закрывает канал, любой другой вариант исключается из доступных.
func (q *Queue) onDeleted(ctx context.Context, mobile string, item promo.PendingVerification) {
	ch, err := q.channels.FindOne(ctx, item.ChannelID)
	if err != nil {
		logger.Errorf("verify: load channel %s: %v", item.ChannelID, err)
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		return
	}
	if ch == nil {
		logger.Warnf("verify: deleted message in unknown channel %s, nothing to update", item.ChannelID)
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		return
	}

	if item.VariantIndex == promo.FallbackVariant && len(ch.AvailableMsgs) == 0 {
		// Финальный отказ: удалили канарейку, других вариантов не осталось.
		if err := q.channels.Update(ctx, item.ChannelID, func(c *promo.Channel) { c.Banned = true }); err != nil {
			logger.Errorf("verify: ban channel %s: %v", item.ChannelID, err)
			metrics.VerificationsTotal.WithLabelValues("error").Inc()
			return
		}
		metrics.VerificationsTotal.WithLabelValues("banned").Inc()
		logger.Infof("verify: channel %s banned promo entirely (canary deleted, mobile %s)",
			item.ChannelID, mobile)
		q.notifier.Notify(ctx, promo.Event{
			Kind:      promo.EventChannelBanned,
			Mobile:    mobile,
			ChannelID: item.ChannelID,
			Variant:   item.VariantIndex,
			Detail:    "canary message deleted with no variants left",
		})
		return
	}

	if err := q.channels.RemoveFromAvailableMsgs(ctx, item.ChannelID, item.VariantIndex); err != nil {
		logger.Errorf("verify: remove variant %s from %s: %v", item.VariantIndex, item.ChannelID, err)
		metrics.VerificationsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.VerificationsTotal.WithLabelValues("deleted").Inc()
	logger.Infof("verify: variant %s removed from %s (message %d deleted, mobile %s)",
		item.VariantIndex, item.ChannelID, item.MessageID, mobile)
	q.notifier.Notify(ctx, promo.Event{
		Kind:      promo.EventVariantRemoved,
		Mobile:    mobile,
		ChannelID: item.ChannelID,
		Variant:   item.VariantIndex,
		Detail:    "promo message deleted by moderators",
	})
}
