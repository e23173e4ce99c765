package promo

import "context"

// RemoteClient — опаковый транспорт одной MTProto-сессии. Все вызовы принимают
// контекст и обязаны уважать его отмену; классификация ошибок — через SendError /
// AccountError (см. errors.go), не через разбор текста на стороне ядра.
type RemoteClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	GetSelf(ctx context.Context) (SelfInfo, error)
	GetDialogs(ctx context.Context, limit int) ([]DialogEntity, error)
	GetEntity(ctx context.Context, channelID string) (*Channel, error)
	// GetMessages возвращает идентификаторы сообщений канала с id > minID,
	// в порядке от новых к старым (как отдаёт Telegram).
	GetMessages(ctx context.Context, channelID string, minID int64) ([]int64, error)
	// SendMessage отправляет текст в @username или по голому channelID.
	// Возвращает id созданного сообщения.
	SendMessage(ctx context.Context, target string, message string) (int64, error)
}

// ClientFactory создаёт и подключает транспорт для мобильного номера.
// Реализация владеет файлом сессии и фоновым run-циклом клиента.
type ClientFactory interface {
	New(ctx context.Context, mobile string) (RemoteClient, error)
}

// ChannelStore — каталог каналов. Update применяет функциональный патч внутри
// одной транзакции: читатель получает актуальную запись, мутирует её и каталог
// фиксирует результат атомарно.
type ChannelStore interface {
	FindOne(ctx context.Context, id string) (*Channel, error)
	Upsert(ctx context.Context, ch *Channel) error
	Update(ctx context.Context, id string, mutate func(*Channel)) error
	RemoveFromAvailableMsgs(ctx context.Context, id, variant string) error
	ActiveChannels(ctx context.Context, limit, skip int, excludeIDs []string) ([]*Channel, error)
}

// TemplateStore — каталог вариантов промо-шаблонов: variantIndex → текст.
// Вариант "0" обязан присутствовать (гарантированный fallback).
type TemplateStore interface {
	FindOne(ctx context.Context) (map[string]string, error)
	Replace(ctx context.Context, templates map[string]string) error
}

// AccountStore — каталог аккаунтов. MarkExpired помечает истёкшими все аккаунты,
// удовлетворяющие предикату, и возвращает число затронутых записей.
type AccountStore interface {
	GetActiveClients(ctx context.Context) ([]Account, error)
	MarkExpired(ctx context.Context, pred func(Account) bool) (int, error)
	Upsert(ctx context.Context, acc Account) error
	// DaysLeft возвращает дни до истечения аккаунта, владеющего мобильным.
	// Для неизвестного или истёкшего мобильного возвращает -1 без ошибки.
	DaysLeft(ctx context.Context, mobile string) (int, error)
}

// Notifier — внешний наблюдатель событий контура. Реализация fire-and-forget:
// Notify не возвращает ошибку и не должен блокировать вызывающего надолго.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NopNotifier — заглушка для выключенного нотификатора.
type NopNotifier struct{}

// Notify ничего не делает.
func (NopNotifier) Notify(context.Context, Event) {}
