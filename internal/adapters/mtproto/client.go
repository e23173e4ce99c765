package mtproto

// Пакет mtproto оборачивает gotd/td в доменный интерфейс promo.RemoteClient:
// один Client — одна авторизованная MTProto-сессия мобильного номера.
// Жизненный цикл: Connect запускает фоновый Run и ждёт авторизации, Disconnect
// гасит фоновую горутину. Access-hash каналов собираются по ходу работы
// (диалоги, резолв юзернеймов) и живут в памяти клиента; отправка в канал без
// известного хэша невозможна и трактуется как отсутствие доступа.

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/logger"

	"github.com/go-faster/errors"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
)

const (
	// dialogsPageLimit — размер страницы messages.getDialogs.
	dialogsPageLimit = 100
	// historyProbeLimit — сколько сообщений запрашивать при проверке истории.
	historyProbeLimit = 10
)

// Client реализует promo.RemoteClient поверх одной MTProto-сессии.
type Client struct {
	mobile string
	tg     *telegram.Client
	api    *tg.Client

	connected atomic.Bool // транспорт жив и сессия авторизована
	launched  atomic.Bool // фоновый Run был запущен

	runCancel context.CancelFunc
	ready     chan struct{} // закрывается после успешной авторизации
	done      chan struct{} // закрывается после завершения Run
	runErr    error         // валиден только после закрытия done

	startOnce sync.Once
	stopOnce  sync.Once

	mu         sync.Mutex
	chanHashes map[int64]int64 // channelID -> access hash
	userHashes map[int64]int64 // userID -> access hash
	self       promo.SelfInfo
}

var _ promo.RemoteClient = (*Client)(nil)

func newClient(mobile string) *Client {
	return &Client{
		mobile:     mobile,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		chanHashes: make(map[int64]int64),
		userHashes: make(map[int64]int64),
	}
}

// Connect запускает фоновый цикл клиента (однократно) и блокируется до
// успешной авторизации, завершения цикла или истечения ctx. Повторный вызов
// на живом клиенте дешёв: если транспорт помечен мёртвым через OnDead,
// выполняется одиночный API-запрос, чтобы убедиться в восстановлении связи.
func (c *Client) Connect(ctx context.Context) error {
	c.startOnce.Do(c.launch)

	select {
	case <-c.done:
		return classifyConnect(c.mobile, c.runErr)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "wait for connect %s", c.mobile)
	case <-c.ready:
	}

	if c.connected.Load() {
		return nil
	}
	// gotd переподключает транспорт сам; пробный запрос подтверждает, что
	// связь действительно восстановлена после OnDead.
	if _, err := c.api.UsersGetUsers(ctx, []tg.InputUserClass{&tg.InputUserSelf{}}); err != nil {
		return classifyConnect(c.mobile, err)
	}
	c.connected.Store(true)
	return nil
}

// launch стартует telegram.Client.Run в отдельной горутине с собственным
// контекстом: время жизни соединения не привязано к ctx вызова Connect.
func (c *Client) launch() {
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.launched.Store(true)

	go func() {
		err := c.tg.Run(runCtx, func(ctx context.Context) error {
			status, err := c.tg.Auth().Status(ctx)
			if err != nil {
				return errors.Wrap(err, "auth status")
			}
			if !status.Authorized {
				// Интерактивного логина нет: файл сессии обязан быть
				// авторизован заранее.
				return promo.NewAccountError(c.mobile, promo.CodeAuthKeyUnregistered,
					errors.New("session file is not authorized"))
			}

			self, err := c.tg.Self(ctx)
			if err != nil {
				return errors.Wrap(err, "get self")
			}
			c.setSelf(self)
			c.connected.Store(true)
			close(c.ready)
			logger.Infof("mtproto: %s connected as @%s", c.mobile, self.Username)

			<-ctx.Done()
			return ctx.Err()
		})
		c.connected.Store(false)
		c.runErr = err
		close(c.done)
	}()
}

// markDead вызывается gotd при потере соединения (хук OnDead).
func (c *Client) markDead() {
	c.connected.Store(false)
	logger.Warnf("mtproto: %s connection is dead, awaiting reconnect", c.mobile)
}

// Disconnect останавливает фоновый цикл и ждёт его завершения либо истечения ctx.
func (c *Client) Disconnect(ctx context.Context) error {
	if !c.launched.Load() {
		return nil
	}
	c.stopOnce.Do(c.runCancel)
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "wait for disconnect %s", c.mobile)
	}
}

// kill гасит фоновый цикл, не дожидаясь завершения. Используется фабрикой,
// когда Connect провалился и клиент наружу не отдаётся.
func (c *Client) kill() {
	if c.launched.Load() {
		c.stopOnce.Do(c.runCancel)
	}
}

// IsConnected сообщает, жив ли транспорт с точки зрения последних событий.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// GetSelf запрашивает собственный профиль. Используется как глубокая проверка
// живости: успешный ответ означает рабочую авторизованную сессию.
func (c *Client) GetSelf(ctx context.Context) (promo.SelfInfo, error) {
	user, err := c.tg.Self(ctx)
	if err != nil {
		return promo.SelfInfo{}, classifyConnect(c.mobile, err)
	}
	c.setSelf(user)
	return c.selfInfo(), nil
}

func (c *Client) setSelf(user *tg.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.self = promo.SelfInfo{Username: user.Username, FirstName: user.FirstName}
}

func (c *Client) selfInfo() promo.SelfInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// GetDialogs листает messages.getDialogs страницами по dialogsPageLimit, пока
// не просмотрит limit диалогов или не кончатся страницы. Возвращает каналы и
// супергруппы из просмотренных диалогов; заодно пополняет карту access-hash.
// Обычные малые группы не возвращаются: порог по числу участников для них
// недостижим, а отправка через InputPeerChat здесь не поддерживается.
func (c *Client) GetDialogs(ctx context.Context, limit int) ([]promo.DialogEntity, error) {
	var (
		out        []promo.DialogEntity
		seen       = make(map[int64]struct{})
		scanned    int
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)
	for limit <= 0 || scanned < limit {
		res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogsPageLimit,
		})
		if err != nil {
			return nil, classifySend(err)
		}
		dialogs, messages, chats, users, ok := normalizeDialogs(res)
		if !ok || len(dialogs) == 0 {
			break
		}
		scanned += len(dialogs)
		c.harvestHashes(chats, users)

		for _, chat := range chats {
			ch, isChannel := chat.(*tg.Channel)
			if !isChannel {
				continue
			}
			if _, dup := seen[ch.ID]; dup {
				continue
			}
			seen[ch.ID] = struct{}{}
			out = append(out, dialogEntityFromChannel(ch))
		}

		if len(dialogs) < dialogsPageLimit {
			break
		}
		// Курсор следующей страницы: верхнее сообщение последнего диалога.
		last, isPlain := dialogs[len(dialogs)-1].(*tg.Dialog)
		if !isPlain {
			break
		}
		offsetID = last.TopMessage
		offsetDate = messageDate(messages, last.TopMessage)
		offsetPeer = c.inputPeerFor(last.Peer)
	}
	return out, nil
}

// normalizeDialogs приводит варианты ответа messages.getDialogs к плоским
// спискам. ok=false означает dialogsNotModified — страниц больше нет.
func normalizeDialogs(res tg.MessagesDialogsClass) (
	dialogs []tg.DialogClass,
	messages []tg.MessageClass,
	chats []tg.ChatClass,
	users []tg.UserClass,
	ok bool,
) {
	switch v := res.(type) {
	case *tg.MessagesDialogs:
		return v.Dialogs, v.Messages, v.Chats, v.Users, true
	case *tg.MessagesDialogsSlice:
		return v.Dialogs, v.Messages, v.Chats, v.Users, true
	default:
		return nil, nil, nil, nil, false
	}
}

// harvestHashes запоминает access-hash каналов и пользователей из пачки.
// Min-сущности пропускаются: их хэши непригодны для последующих запросов.
func (c *Client) harvestHashes(chats []tg.ChatClass, users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chat := range chats {
		ch, isChannel := chat.(*tg.Channel)
		if !isChannel || ch.Min {
			continue
		}
		if hash, has := ch.GetAccessHash(); has {
			c.chanHashes[ch.ID] = hash
		}
	}
	for _, u := range users {
		usr, isUser := u.(*tg.User)
		if !isUser || usr.Min {
			continue
		}
		if hash, has := usr.GetAccessHash(); has {
			c.userHashes[usr.ID] = hash
		}
	}
}

// messageDate находит дату сообщения с данным ID. 0 — не нашли; сервер
// трактует нулевой offset_date как «с начала», что лишь снижает точность курсора.
func messageDate(messages []tg.MessageClass, id int) int {
	for _, m := range messages {
		switch v := m.(type) {
		case *tg.Message:
			if v.ID == id {
				return v.Date
			}
		case *tg.MessageService:
			if v.ID == id {
				return v.Date
			}
		}
	}
	return 0
}

// inputPeerFor собирает InputPeer по известным access-hash. Неизвестный пир
// заменяется InputPeerEmpty: пагинация продолжится по date/id.
func (c *Client) inputPeerFor(peer tg.PeerClass) tg.InputPeerClass {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch p := peer.(type) {
	case *tg.PeerChannel:
		if hash, has := c.chanHashes[p.ChannelID]; has {
			return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: hash}
		}
	case *tg.PeerUser:
		if hash, has := c.userHashes[p.UserID]; has {
			return &tg.InputPeerUser{UserID: p.UserID, AccessHash: hash}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	}
	return &tg.InputPeerEmpty{}
}

// GetEntity запрашивает актуальное состояние канала через channels.getChannels.
func (c *Client) GetEntity(ctx context.Context, channelID string) (*promo.Channel, error) {
	id, err := parseChannelID(channelID)
	if err != nil {
		return nil, err
	}
	hash, _ := c.channelHash(id) // нулевой хэш сервер отвергнет сам
	res, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: id, AccessHash: hash},
	})
	if err != nil {
		return nil, classifySend(err)
	}
	var chats []tg.ChatClass
	switch v := res.(type) {
	case *tg.MessagesChats:
		chats = v.Chats
	case *tg.MessagesChatsSlice:
		chats = v.Chats
	}
	c.harvestHashes(chats, nil)
	for _, chat := range chats {
		if ch, isChannel := chat.(*tg.Channel); isChannel && ch.ID == id {
			return channelFromTG(ch), nil
		}
	}
	return nil, errors.Errorf("channel %s not found in response", channelID)
}

// GetMessages возвращает ID сообщений канала новее minID, новые первыми.
func (c *Client) GetMessages(ctx context.Context, channelID string, minID int64) ([]int64, error) {
	id, err := parseChannelID(channelID)
	if err != nil {
		return nil, err
	}
	hash, has := c.channelHash(id)
	if !has {
		return nil, promo.NewSendError(promo.KindChannelPrivate, promo.CodeChannelPrivate, 0,
			errors.Errorf("no access hash for channel %d", id))
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  &tg.InputPeerChannel{ChannelID: id, AccessHash: hash},
		MinID: int(minID),
		Limit: historyProbeLimit,
	})
	if err != nil {
		return nil, classifySend(err)
	}
	var list []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesMessages:
		list = v.Messages
	case *tg.MessagesMessagesSlice:
		list = v.Messages
	case *tg.MessagesChannelMessages:
		list = v.Messages
	}
	ids := make([]int64, 0, len(list))
	for _, m := range list {
		switch v := m.(type) {
		case *tg.Message:
			ids = append(ids, int64(v.ID))
		case *tg.MessageService:
			ids = append(ids, int64(v.ID))
		case *tg.MessageEmpty:
			ids = append(ids, int64(v.ID))
		}
	}
	return ids, nil
}

// SendMessage отправляет текст в цель («@username» либо ID канала из каталога)
// и возвращает ID созданного сообщения.
func (c *Client) SendMessage(ctx context.Context, target, message string) (int64, error) {
	peer, err := c.resolvePeer(ctx, target)
	if err != nil {
		return 0, err
	}
	upd, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  message,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return 0, classifySend(err)
	}
	id := sentMessageID(upd)
	if id == 0 {
		return 0, errors.New("sent message id is missing in updates")
	}
	return id, nil
}

// resolvePeer превращает цель отправки в InputPeer. Юзернеймы резолвятся через
// contacts.resolveUsername (хэш кэшируется), числовые ID берут хэш из карты.
// Отсутствие хэша означает, что канал не виден этой сессии.
func (c *Client) resolvePeer(ctx context.Context, target string) (tg.InputPeerClass, error) {
	if name, isName := strings.CutPrefix(target, "@"); isName {
		return c.resolveUsername(ctx, name)
	}
	id, err := parseChannelID(target)
	if err != nil {
		return nil, err
	}
	hash, has := c.channelHash(id)
	if !has {
		return nil, promo.NewSendError(promo.KindChannelPrivate, promo.CodeChannelPrivate, 0,
			errors.Errorf("no access hash for channel %d", id))
	}
	return &tg.InputPeerChannel{ChannelID: id, AccessHash: hash}, nil
}

func (c *Client) resolveUsername(ctx context.Context, name string) (tg.InputPeerClass, error) {
	res, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: name,
	})
	if err != nil {
		return nil, classifySend(err)
	}
	c.harvestHashes(res.Chats, res.Users)
	switch p := res.Peer.(type) {
	case *tg.PeerChannel:
		if hash, has := c.channelHash(p.ChannelID); has {
			return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: hash}, nil
		}
	case *tg.PeerUser:
		c.mu.Lock()
		hash, has := c.userHashes[p.UserID]
		c.mu.Unlock()
		if has {
			return &tg.InputPeerUser{UserID: p.UserID, AccessHash: hash}, nil
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}, nil
	}
	return nil, promo.NewSendError(promo.KindChannelPrivate, promo.CodeChannelPrivate, 0,
		errors.Errorf("username %q resolved without usable access hash", name))
}

// sentMessageID извлекает ID отправленного сообщения из ответа сервера.
func sentMessageID(updates tg.UpdatesClass) int64 {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return int64(u.ID)
	case *tg.Updates:
		return firstMessageID(u.Updates)
	case *tg.UpdatesCombined:
		return firstMessageID(u.Updates)
	}
	return 0
}

func firstMessageID(list []tg.UpdateClass) int64 {
	for _, upd := range list {
		switch v := upd.(type) {
		case *tg.UpdateMessageID:
			return int64(v.ID)
		case *tg.UpdateNewChannelMessage:
			if m, isMsg := v.Message.(*tg.Message); isMsg {
				return int64(m.ID)
			}
		case *tg.UpdateNewMessage:
			if m, isMsg := v.Message.(*tg.Message); isMsg {
				return int64(m.ID)
			}
		}
	}
	return 0
}

func (c *Client) channelHash(id int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash, has := c.chanHashes[id]
	return hash, has
}

// parseChannelID принимает и «сырой» ID, и форму с префиксом -100.
func parseChannelID(channelID string) (int64, error) {
	raw := promo.StripChannelPrefix(channelID)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid channel id %q", channelID)
	}
	return id, nil
}

// channelFromTG собирает доменный снимок канала из tg.Channel.
func channelFromTG(ch *tg.Channel) *promo.Channel {
	participants, _ := ch.GetParticipantsCount()
	sendForbidden := false
	if rights, has := ch.GetDefaultBannedRights(); has {
		sendForbidden = rights.SendMessages
	}
	return &promo.Channel{
		ID:                strconv.FormatInt(ch.ID, 10),
		Title:             ch.Title,
		Username:          ch.Username,
		ParticipantsCount: participants,
		Broadcast:         ch.Broadcast,
		Restricted:        ch.Restricted,
		CanSendMsgs:       !sendForbidden,
	}
}

func dialogEntityFromChannel(ch *tg.Channel) promo.DialogEntity {
	participants, _ := ch.GetParticipantsCount()
	sendForbidden := false
	if rights, has := ch.GetDefaultBannedRights(); has {
		sendForbidden = rights.SendMessages
	}
	return promo.DialogEntity{
		ID:                ch.ID,
		Title:             ch.Title,
		Username:          ch.Username,
		ParticipantsCount: participants,
		Broadcast:         ch.Broadcast,
		Megagroup:         ch.Megagroup,
		Restricted:        ch.Restricted,
		SendForbidden:     sendForbidden,
	}
}
