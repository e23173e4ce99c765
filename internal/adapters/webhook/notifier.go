// Package webhook — исходящие HTTP-поверхности контура: уведомления о событиях
// продвижения и загрузка внешнего списка запрещённых каналов. Уведомления
// доставляются best-effort: сбой вебхука логируется и никогда не влияет на
// рассылку.
package webhook

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/logger"
)

const notifyTimeout = 10 * time.Second

// Notifier реализует promo.Notifier поверх GET-вебхука. URL задаётся шаблоном
// с плейсхолдерами {kind}, {mobile}, {channel}, {variant}, {detail}; значения
// подставляются в URL-кодировке.
type Notifier struct {
	template string
	client   *http.Client
}

var _ promo.Notifier = (*Notifier)(nil)

// NewNotifier создаёт нотификатор для шаблона URL. Пустой шаблон выключает
// уведомления: возвращается nil, вызывающий подставляет заглушку.
func NewNotifier(template string) *Notifier {
	if strings.TrimSpace(template) == "" {
		return nil
	}
	return &Notifier{
		template: template,
		client:   &http.Client{Timeout: notifyTimeout},
	}
}

// Notify отправляет событие вебхуку в отдельной горутине: дренаж очереди
// проверок и планировщик не ждут сетевого раунда.
func (n *Notifier) Notify(_ context.Context, ev promo.Event) {
	target := n.expand(ev)
	go n.deliver(target, ev)
}

func (n *Notifier) deliver(target string, ev promo.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		logger.Warnf("webhook: build request for %s: %v", ev.Kind, err)
		return
	}
	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warnf("webhook: deliver %s for %s: %v", ev.Kind, ev.Mobile, err)
		return
	}
	defer resp.Body.Close()
	// Тело не нужно, но соединение должно вернуться в пул.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		logger.Warnf("webhook: %s for %s answered %d", ev.Kind, ev.Mobile, resp.StatusCode)
		return
	}
	logger.Debugf("webhook: delivered %s for %s (channel %s)", ev.Kind, ev.Mobile, ev.ChannelID)
}

// expand подставляет поля события в шаблон URL.
func (n *Notifier) expand(ev promo.Event) string {
	replacer := strings.NewReplacer(
		"{kind}", url.QueryEscape(string(ev.Kind)),
		"{mobile}", url.QueryEscape(ev.Mobile),
		"{channel}", url.QueryEscape(ev.ChannelID),
		"{variant}", url.QueryEscape(ev.Variant),
		"{detail}", url.QueryEscape(ev.Detail),
	)
	return replacer.Replace(n.template)
}
