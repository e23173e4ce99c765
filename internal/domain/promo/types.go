// Package promo содержит доменные модели и порты контура продвижения: каналы,
// аккаунты, исходы отправок, события уведомлений и интерфейсы внешних
// коллабораторов (транспорт, каталоги, нотификатор). Пакет не зависит от
// конкретного MTProto-клиента: адаптеры реализуют порты и конструируют
// классифицированные ошибки из transport-специфики.
package promo

import (
	"strings"
	"time"
)

// Channel — метаданные канала из каталога. Мутируется ядром: верификация удаляет
// варианты из AvailableMsgs и выставляет Banned, планировщик обновляет
// LastMessageTime. Все временные поля — epoch-миллисекунды.
type Channel struct {
	ID                string   `json:"channelId"`
	Title             string   `json:"title"`
	Username          string   `json:"username,omitempty"`
	ParticipantsCount int      `json:"participantsCount"`
	Broadcast         bool     `json:"broadcast"`
	Restricted        bool     `json:"restricted"`
	CanSendMsgs       bool     `json:"canSendMsgs"`
	WordRestriction   int      `json:"wordRestriction"`
	AvailableMsgs     []string `json:"availableMsgs"`
	Banned            bool     `json:"banned"`
	LastMessageTime   int64    `json:"lastMessageTime"`
}

// Clone возвращает глубокую копию канала. Каталог отдаёт копии, чтобы вызывающие
// не мутировали закешированное состояние в обход Update.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	dup := *c
	dup.AvailableMsgs = append([]string(nil), c.AvailableMsgs...)
	return &dup
}

// Account — запись аккаунта: владелец одной или нескольких promote-мобильных.
// ExpiresAt — момент истечения аккаунта (epoch-миллисекунды); Expired выставляется
// при перманентных ошибках транспорта и исключает мобильные из кандидатов ротации.
type Account struct {
	ClientID       string   `json:"clientId"`
	PromoteMobiles []string `json:"promoteMobiles"`
	ExpiresAt      int64    `json:"expiresAt"`
	Expired        bool     `json:"expired"`
}

// DaysLeftAt возвращает целое число полных суток до истечения аккаунта на момент now.
// Для истёкшего аккаунта всегда -1: отрицательное значение сигнализирует ядру,
// что историю исходов надо обнулить, а фильтрацию каналов вести по внешнему списку.
func (a Account) DaysLeftAt(now time.Time) int {
	if a.Expired {
		return -1
	}
	left := a.ExpiresAt - now.UnixMilli()
	if left < 0 {
		return -1
	}
	return int(left / millisPerDay)
}

const millisPerDay = 24 * 60 * 60 * 1000

// Owns сообщает, числится ли мобильный номер за аккаунтом.
func (a Account) Owns(mobile string) bool {
	for _, m := range a.PromoteMobiles {
		if m == mobile {
			return true
		}
	}
	return false
}

// PromotionResult — исход продвижения по одному каналу для одного мобильного.
type PromotionResult struct {
	Success            bool   `json:"success"`
	Count              int    `json:"count"`
	ErrorMessage       string `json:"errorMessage,omitempty"`
	LastCheckTimestamp int64  `json:"lastCheckTimestamp"`
}

// PendingVerification — отложенная проверка выживания отправленного сообщения.
// Timestamp — момент отправки (epoch-миллисекунды); запись потребляется ровно один
// раз, когда её возраст превысит задержку верификации.
type PendingVerification struct {
	ChannelID    string `json:"channelId"`
	MessageID    int64  `json:"messageId"`
	VariantIndex string `json:"variantIndex"`
	Timestamp    int64  `json:"timestamp"`
}

// SelfInfo — минимальная идентификация сессии, достаточная для deep-пробы.
type SelfInfo struct {
	Username  string
	FirstName string
}

// DialogEntity — нормализованная запись диалога из транспорта. SendForbidden
// соответствует defaultBannedRights.sendMessages исходной сущности.
type DialogEntity struct {
	ID                int64
	Title             string
	Username          string
	ParticipantsCount int
	Broadcast         bool
	Megagroup         bool
	Restricted        bool
	SendForbidden     bool
}

// EventKind — тип внешнего уведомления.
type EventKind string

const (
	// EventChannelBanned — канал помечен banned после гибели канареечного варианта.
	EventChannelBanned EventKind = "channel_banned"
	// EventVariantRemoved — из канала удалён один вариант шаблона.
	EventVariantRemoved EventKind = "variant_removed"
	// EventBypass403 — повторная отправка по username после CHANNEL_PRIVATE.
	EventBypass403 EventKind = "bypass_403"
	// EventRetryExhausted — повтор по username тоже не удался.
	EventRetryExhausted EventKind = "retry_exhausted"
)

// Event — уведомление внешнему наблюдателю. Доставка best-effort: ошибки
// нотификатора логируются и не влияют на контур продвижения.
type Event struct {
	Kind      EventKind
	Mobile    string
	ChannelID string
	Variant   string
	Detail    string
}

// FallbackVariant — гарантированный вариант шаблона: используется, когда у канала
// нет явного списка, и служит канарейкой бана при верификации.
const FallbackVariant = "0"

// StripChannelPrefix убирает MTProto-префикс "-100" из идентификатора канала.
// Идентификаторы в каталоге и в состоянии сессий хранятся без префикса.
func StripChannelPrefix(id string) string {
	return strings.TrimPrefix(id, "-100")
}
