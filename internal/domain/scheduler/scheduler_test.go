package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/domain/registry"
	"telegram-promoter/internal/domain/session"
	"telegram-promoter/internal/domain/verify"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendResult struct {
	id  int64
	err error
}

// scriptedClient — транспорт с программируемыми ответами. Исходы SendMessage
// снимаются с головы очереди; пустая очередь означает успех.
type scriptedClient struct {
	mu          sync.Mutex
	connected   bool
	dialogs     []promo.DialogEntity
	dialogsErr  error
	selfErr     error
	sendResults []sendResult
	sendTargets []string
	sentTexts   []string
	historyIDs  []int64
}

func (c *scriptedClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *scriptedClient) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *scriptedClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *scriptedClient) GetSelf(context.Context) (promo.SelfInfo, error) {
	if c.selfErr != nil {
		return promo.SelfInfo{}, c.selfErr
	}
	return promo.SelfInfo{Username: "tester"}, nil
}

func (c *scriptedClient) GetDialogs(context.Context, int) ([]promo.DialogEntity, error) {
	return c.dialogs, c.dialogsErr
}

func (c *scriptedClient) GetEntity(_ context.Context, channelID string) (*promo.Channel, error) {
	return nil, errors.Errorf("no entity %s", channelID)
}

func (c *scriptedClient) GetMessages(context.Context, string, int64) ([]int64, error) {
	return c.historyIDs, nil
}

func (c *scriptedClient) SendMessage(_ context.Context, target, text string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendTargets = append(c.sendTargets, target)
	c.sentTexts = append(c.sentTexts, text)
	if len(c.sendResults) == 0 {
		return 1, nil
	}
	r := c.sendResults[0]
	c.sendResults = c.sendResults[1:]
	return r.id, r.err
}

func (c *scriptedClient) queueSend(id int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendResults = append(c.sendResults, sendResult{id: id, err: err})
}

func (c *scriptedClient) targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sendTargets))
	copy(out, c.sendTargets)
	return out
}

func (c *scriptedClient) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sentTexts))
	copy(out, c.sentTexts)
	return out
}

type stubFactory struct {
	client *scriptedClient
}

func (f stubFactory) New(context.Context, string) (promo.RemoteClient, error) {
	f.client.mu.Lock()
	f.client.connected = true
	f.client.mu.Unlock()
	return f.client, nil
}

type accountsStub struct {
	mobiles []string
}

func (s accountsStub) GetActiveClients(context.Context) ([]promo.Account, error) {
	return []promo.Account{{
		ClientID:       "c1",
		PromoteMobiles: s.mobiles,
		ExpiresAt:      time.Now().UnixMilli() + 3*24*60*60*1000,
	}}, nil
}

func (s accountsStub) MarkExpired(context.Context, func(promo.Account) bool) (int, error) {
	return 0, nil
}

func (s accountsStub) Upsert(context.Context, promo.Account) error { return nil }

func (s accountsStub) DaysLeft(context.Context, string) (int, error) { return 0, nil }

// catalogStub — каталог каналов в памяти.
type catalogStub struct {
	mu       sync.Mutex
	channels map[string]*promo.Channel
	removed  []string
}

func newCatalogStub() *catalogStub {
	return &catalogStub{channels: make(map[string]*promo.Channel)}
}

func (s *catalogStub) put(ch *promo.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch.Clone()
}

func (s *catalogStub) FindOne(_ context.Context, id string) (*promo.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id].Clone(), nil
}

func (s *catalogStub) Upsert(_ context.Context, ch *promo.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch.Clone()
	return nil
}

func (s *catalogStub) Update(_ context.Context, id string, mutate func(*promo.Channel)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return errors.Errorf("channel %s not found", id)
	}
	mutate(ch)
	return nil
}

func (s *catalogStub) RemoveFromAvailableMsgs(_ context.Context, id, variant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id+"/"+variant)
	return nil
}

func (s *catalogStub) ActiveChannels(context.Context, int, int, []string) ([]*promo.Channel, error) {
	return nil, nil
}

type activeStub struct {
	mobiles []string
}

func (s activeStub) CurrentActive() []string {
	out := make([]string, len(s.mobiles))
	copy(out, s.mobiles)
	return out
}

type bannedStub struct {
	list []string
	err  error
}

func (s bannedStub) BannedChannels(context.Context) ([]string, error) {
	return s.list, s.err
}

type notifierStub struct {
	mu     sync.Mutex
	events []promo.Event
}

func (n *notifierStub) Notify(_ context.Context, ev promo.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *notifierStub) take() []promo.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.events
	n.events = nil
	return out
}

type fixture struct {
	client   *scriptedClient
	registry *registry.Registry
	tracker  *session.Tracker
	queue    *verify.Queue
	catalog  *catalogStub
	notifier *notifierStub
	sched    *Scheduler
}

func newFixture(mobiles []string, banned BannedListSource, opts Options) *fixture {
	client := &scriptedClient{}
	reg := registry.New(stubFactory{client: client}, accountsStub{mobiles: mobiles}, registry.Options{})
	tracker := session.NewTracker(0)
	catalog := newCatalogStub()
	notifier := &notifierStub{}
	queue := verify.NewQueue(reg, catalog, notifier, 100, 10*time.Second)
	sched := New(reg, tracker, queue, catalog, notifier, activeStub{mobiles: mobiles}, banned, opts)
	for _, m := range mobiles {
		tracker.Register(m, map[string]string{"0": "base promo", "2": "variant two"})
	}
	return &fixture{
		client:   client,
		registry: reg,
		tracker:  tracker,
		queue:    queue,
		catalog:  catalog,
		notifier: notifier,
		sched:    sched,
	}
}

func (f *fixture) summary(t *testing.T, mobile string) session.Summary {
	t.Helper()
	for _, s := range f.tracker.Summaries() {
		if s.Mobile == mobile {
			return s
		}
	}
	t.Fatalf("no summary for %s", mobile)
	return session.Summary{}
}

func TestPromoteOneSendsAndRecords(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "100", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.tracker.SetChannels("79001", []string{"100", "200"})
	f.client.queueSend(42, nil)

	f.sched.promoteOne(context.Background(), "79001")

	assert.Equal(t, []string{"100"}, f.client.targets())
	assert.Equal(t, []string{"base promo"}, f.client.texts())

	sum := f.summary(t, "79001")
	assert.Equal(t, 1, sum.Stats.SuccessCount)
	assert.Equal(t, 1, sum.Stats.MessageCount)
	assert.Equal(t, 0, sum.Stats.FailedCount)
	assert.Positive(t, sum.Stats.LastMessageTime)
	assert.Empty(t, sum.FailureReason)

	out, ok := f.tracker.Outcome("79001", "100")
	require.True(t, ok)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Count)

	// Отправка встаёт в очередь верификации, курсор уходит на следующий канал.
	assert.Equal(t, 1, f.queue.Len("79001"))
	cur, _ := f.tracker.CurrentChannel("79001")
	assert.Equal(t, "200", cur)

	conn := f.registry.Lookup("79001")
	require.NotNil(t, conn)
	assert.False(t, conn.DeepProbeStale(time.Hour, time.Now().UnixMilli()))
}

func TestPromoteOneFloodWait(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "100", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.tracker.SetChannels("79001", []string{"100", "200"})
	f.client.queueSend(0, promo.NewSendError(promo.KindFloodWait, promo.CodeFloodWait, 60, errors.New("rpc")))

	before := time.Now().UnixMilli()
	f.sched.promoteOne(context.Background(), "79001")
	after := time.Now().UnixMilli()

	// Пауза абсолютная: now + секунды из FLOOD_WAIT.
	sum := f.summary(t, "79001")
	assert.GreaterOrEqual(t, sum.Stats.SleepTime, before+60_000)
	assert.LessOrEqual(t, sum.Stats.SleepTime, after+60_000)
	assert.Equal(t, 1, sum.Stats.FailedCount)
	assert.Equal(t, 0, sum.Stats.SuccessCount)
	assert.Equal(t, promo.CodeFloodWait, sum.FailureReason)
	assert.False(t, f.tracker.IsHealthy("79001"))

	out, ok := f.tracker.Outcome("79001", "100")
	require.True(t, ok)
	assert.False(t, out.Success)
	assert.Equal(t, promo.CodeFloodWait, out.ErrorMessage)

	// Неудача в очередь верификации не попадает, курсор всё равно сдвинут.
	assert.Equal(t, 0, f.queue.Total())
	cur, _ := f.tracker.CurrentChannel("79001")
	assert.Equal(t, "200", cur)
}

func TestPromoteOneSkipsBannedChannel(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "200", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.tracker.SetChannels("79001", []string{"100", "200"})
	f.tracker.RecordOutcome("79001", "100", session.Outcome{ErrorMessage: promo.CodeUserBanned})

	// Первый заход: канал под свежим баном, отправки нет, курсор сдвинут.
	f.sched.promoteOne(context.Background(), "79001")
	assert.Empty(t, f.client.targets())
	cur, _ := f.tracker.CurrentChannel("79001")
	require.Equal(t, "200", cur)

	// Второй заход шлёт в следующий канал.
	f.client.queueSend(7, nil)
	f.sched.promoteOne(context.Background(), "79001")
	assert.Equal(t, []string{"200"}, f.client.targets())
}

func TestPromoteOneSkipsClosedChannel(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "100", Banned: true})
	f.tracker.SetChannels("79001", []string{"100", "200"})

	f.sched.promoteOne(context.Background(), "79001")

	assert.Empty(t, f.client.targets())
	cur, _ := f.tracker.CurrentChannel("79001")
	assert.Equal(t, "200", cur)
}

func TestPromoteOneExclusive(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	require.True(t, f.tracker.BeginPromotion("79001"))

	f.sched.promoteOne(context.Background(), "79001")

	// Слот занят другой отправкой: до соединения дело не доходит.
	assert.Empty(t, f.client.targets())
	assert.Equal(t, 0, f.registry.Count())
}

func TestPromoteOneDeepProbeFailure(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.tracker.SetChannels("79001", []string{"100"})
	f.client.selfErr = errors.New("AUTH_KEY_UNREGISTERED")

	f.sched.promoteOne(context.Background(), "79001")

	assert.Empty(t, f.client.targets())
}

func TestPromoteOneRefillsFromDialogs(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "100", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.client.dialogs = []promo.DialogEntity{
		{ID: 100, ParticipantsCount: 5000},
	}

	f.sched.promoteOne(context.Background(), "79001")

	assert.Equal(t, []string{"100"}, f.tracker.Channels("79001"))
	assert.Equal(t, []string{"100"}, f.client.targets())
}

func TestPromoteOneEmptyDialogs(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})

	f.sched.promoteOne(context.Background(), "79001")

	// Набирать нечего: список каналов не трогается, отправки нет.
	assert.Empty(t, f.tracker.Channels("79001"))
	assert.Empty(t, f.client.targets())
}

func TestPromoteOneInternalError(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "100", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.tracker.SetChannels("79001", []string{"100"})
	f.client.queueSend(0, errors.New("context deadline exceeded"))

	f.sched.promoteOne(context.Background(), "79001")

	sum := f.summary(t, "79001")
	assert.Equal(t, 1, sum.Stats.FailedCount)
	assert.Equal(t, "ERR_INTERNAL", sum.FailureReason)

	out, _ := f.tracker.Outcome("79001", "100")
	assert.Equal(t, "ERR_INTERNAL", out.ErrorMessage)
}

func TestSendRetriesViaUsername(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{
		ID: "100", Username: "mychan", AvailableMsgs: []string{"0"}, WordRestriction: 1,
	})
	f.tracker.SetChannels("79001", []string{"100"})
	f.client.queueSend(0, promo.NewSendError(promo.KindChannelPrivate, promo.CodeChannelPrivate, 0, errors.New("rpc")))
	f.client.queueSend(55, nil)

	f.sched.promoteOne(context.Background(), "79001")

	assert.Equal(t, []string{"100", "@mychan"}, f.client.targets())

	sum := f.summary(t, "79001")
	assert.Equal(t, 1, sum.Stats.SuccessCount)
	assert.Equal(t, 0, sum.Stats.FailedCount)
	assert.Equal(t, 1, f.queue.Len("79001"))

	events := f.notifier.take()
	require.Len(t, events, 1)
	assert.Equal(t, promo.EventBypass403, events[0].Kind)
	assert.Equal(t, "100", events[0].ChannelID)
}

func TestSendRetryExhausted(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{
		ID: "100", Username: "mychan", AvailableMsgs: []string{"0"}, WordRestriction: 1,
	})
	f.tracker.SetChannels("79001", []string{"100"})
	f.client.queueSend(0, promo.NewSendError(promo.KindChannelPrivate, promo.CodeChannelPrivate, 0, errors.New("rpc")))
	f.client.queueSend(0, promo.NewSendError(promo.KindWriteForbidden, promo.CodeWriteForbidden, 0, errors.New("rpc")))

	f.sched.promoteOne(context.Background(), "79001")

	assert.Equal(t, []string{"100", "@mychan"}, f.client.targets())

	sum := f.summary(t, "79001")
	assert.Equal(t, 1, sum.Stats.FailedCount)
	// Код ошибки — от повторной попытки, она была последней.
	assert.Equal(t, promo.CodeWriteForbidden, sum.FailureReason)

	events := f.notifier.take()
	require.Len(t, events, 1)
	assert.Equal(t, promo.EventRetryExhausted, events[0].Kind)
	assert.Equal(t, 0, f.queue.Total())
}

func TestSendChannelPrivateWithoutUsername(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "100", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.tracker.SetChannels("79001", []string{"100"})
	f.client.queueSend(0, promo.NewSendError(promo.KindChannelPrivate, promo.CodeChannelPrivate, 0, errors.New("rpc")))

	f.sched.promoteOne(context.Background(), "79001")

	// Повторять некуда: username у канала нет.
	assert.Equal(t, []string{"100"}, f.client.targets())
	assert.Empty(t, f.notifier.take())
	assert.Equal(t, 1, f.summary(t, "79001").Stats.FailedCount)
}

func TestTickRequiresRunning(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "100", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.tracker.SetChannels("79001", []string{"100"})

	f.sched.Tick(context.Background())
	assert.Empty(t, f.client.targets())

	f.sched.Start()
	require.True(t, f.sched.IsRunning())
	f.sched.Tick(context.Background())
	assert.Equal(t, []string{"100"}, f.client.targets())

	f.sched.Stop()
	assert.False(t, f.sched.IsRunning())
}

func TestTickSkipsUnhealthyMobiles(t *testing.T) {
	f := newFixture([]string{"79001", "79002"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "100", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.catalog.put(&promo.Channel{ID: "200", AvailableMsgs: []string{"0"}, WordRestriction: 1})
	f.tracker.SetChannels("79001", []string{"100"})
	f.tracker.SetChannels("79002", []string{"200"})
	f.tracker.SetDaysLeft("79002", 9) // номера с большим запасом дней берегут

	f.sched.Start()
	f.sched.Tick(context.Background())

	assert.Equal(t, []string{"100"}, f.client.targets())
}

func TestTickDrainsVerificationQueue(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{Stagger: 0})
	f.catalog.put(&promo.Channel{ID: "300", AvailableMsgs: []string{"1"}})
	f.client.historyIDs = []int64{42, 41}

	_, err := f.registry.Acquire(context.Background(), "79001")
	require.NoError(t, err)

	sentAt := time.Now().UnixMilli() - 11_000
	f.queue.Push("79001", promo.PendingVerification{
		ChannelID:    "300",
		MessageID:    42,
		VariantIndex: "1",
		Timestamp:    sentAt,
	})

	f.sched.Start()
	f.sched.Tick(context.Background())

	// Созревшая проверка дренируется тем же тиком: сообщение выжило,
	// метка последней отправки канала освежена.
	assert.Equal(t, 0, f.queue.Total())
	ch, err := f.catalog.FindOne(context.Background(), "300")
	require.NoError(t, err)
	assert.Equal(t, sentAt, ch.LastMessageTime)
}

func TestComposeMessagePicksChannelVariant(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{})
	ch := &promo.Channel{ID: "c", AvailableMsgs: []string{"2"}, WordRestriction: 1}

	msg := f.sched.composeMessage("79001", ch)

	assert.Equal(t, "2", msg.variant)
	assert.Equal(t, "variant two", msg.text)
}

func TestComposeMessageFallbackWhenNoVariants(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{})
	ch := &promo.Channel{ID: "c", WordRestriction: 1}

	msg := f.sched.composeMessage("79001", ch)

	assert.Equal(t, promo.FallbackVariant, msg.variant)
	assert.Equal(t, "base promo", msg.text)
}

func TestComposeMessageFallbackOnUnknownVariant(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{})
	ch := &promo.Channel{ID: "c", AvailableMsgs: []string{"9"}, WordRestriction: 1}

	// Шаблона "9" у номера нет — откат на канарейку.
	msg := f.sched.composeMessage("79001", ch)

	assert.Equal(t, promo.FallbackVariant, msg.variant)
	assert.Equal(t, "base promo", msg.text)
}

func TestComposeMessageWithoutTemplates(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{})
	f.tracker.Register("79009", nil)
	ch := &promo.Channel{ID: "c", WordRestriction: 1}

	msg := f.sched.composeMessage("79009", ch)

	assert.Equal(t, promo.FallbackVariant, msg.variant)
	assert.Empty(t, msg.text)
}

func TestComposeMessageGreeting(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{})
	ch := &promo.Channel{ID: "c", AvailableMsgs: []string{"0"}}

	plain, greeted := 0, 0
	for range 64 {
		msg := f.sched.composeMessage("79001", ch)
		require.Equal(t, "0", msg.variant)
		if msg.text == "base promo" {
			plain++
			continue
		}
		matched := false
		for _, g := range greetings {
			for _, c := range connectors {
				if msg.text == g+" "+c+"\n\n"+"base promo" {
					matched = true
				}
			}
		}
		require.True(t, matched, "unexpected composition: %q", msg.text)
		greeted++
	}
	// Монетка должна давать оба исхода на приличной выборке.
	assert.Positive(t, plain)
	assert.Positive(t, greeted)
}

func TestComposeMessageRespectsWordRestriction(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{})
	ch := &promo.Channel{ID: "c", AvailableMsgs: []string{"0"}, WordRestriction: 2}

	for range 16 {
		msg := f.sched.composeMessage("79001", ch)
		assert.Equal(t, "base promo", msg.text)
	}
}

func TestFetchDialogsFilters(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{ChannelsCap: 2})
	f.client.dialogs = []promo.DialogEntity{
		{ID: 100, ParticipantsCount: 5000},
		{ID: 101, ParticipantsCount: 9000, Broadcast: true},
		{ID: 102, ParticipantsCount: 400},
		{ID: 103, ParticipantsCount: 800, SendForbidden: true},
		{ID: 104, ParticipantsCount: 700, Restricted: true},
		{ID: 100, ParticipantsCount: 5000},
		{ID: 105, ParticipantsCount: 600},
		{ID: 106, ParticipantsCount: 2000},
		{ID: 0, ParticipantsCount: 1000},
	}

	ids, err := f.sched.fetchDialogs(context.Background(), f.client, "79001")
	require.NoError(t, err)

	// Годные: 100, 105, 106; потолок 2 оставляет самые людные.
	assert.ElementsMatch(t, []string{"100", "106"}, ids)
}

func TestFetchDialogsExcludesFailedChannels(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{})
	f.client.dialogs = []promo.DialogEntity{
		{ID: 100, ParticipantsCount: 5000},
		{ID: 106, ParticipantsCount: 2000},
	}
	f.tracker.RecordOutcome("79001", "100", session.Outcome{ErrorMessage: "ERR"})

	ids, err := f.sched.fetchDialogs(context.Background(), f.client, "79001")
	require.NoError(t, err)

	assert.Equal(t, []string{"106"}, ids)
}

func TestFetchDialogsStableOrderPerMobile(t *testing.T) {
	f := newFixture([]string{"79001"}, nil, Options{})
	f.client.dialogs = []promo.DialogEntity{
		{ID: 100, ParticipantsCount: 5000},
		{ID: 105, ParticipantsCount: 600},
		{ID: 106, ParticipantsCount: 2000},
		{ID: 107, ParticipantsCount: 900},
	}

	first, err := f.sched.fetchDialogs(context.Background(), f.client, "79001")
	require.NoError(t, err)
	second, err := f.sched.fetchDialogs(context.Background(), f.client, "79001")
	require.NoError(t, err)

	// Порядок обхода воспроизводим для номера между наборами.
	assert.Equal(t, first, second)
	assert.ElementsMatch(t, []string{"100", "105", "106", "107"}, first)
}

func TestFetchDialogsExternalBanlist(t *testing.T) {
	banned := bannedStub{list: []string{"-100555", "666"}}
	f := newFixture([]string{"79001"}, banned, Options{BannedListThreshold: 1})
	f.client.dialogs = []promo.DialogEntity{
		{ID: 555, ParticipantsCount: 1000},
		{ID: 666, ParticipantsCount: 900},
		{ID: 777, ParticipantsCount: 800},
	}
	f.tracker.SetDaysLeft("79001", -1) // истёкший аккаунт сверяется с внешним списком

	ids, err := f.sched.fetchDialogs(context.Background(), f.client, "79001")
	require.NoError(t, err)

	assert.Equal(t, []string{"777"}, ids)
}

func TestFetchDialogsShortBanlistIgnored(t *testing.T) {
	banned := bannedStub{list: []string{"-100555"}}
	f := newFixture([]string{"79001"}, banned, Options{BannedListThreshold: 5})
	f.client.dialogs = []promo.DialogEntity{
		{ID: 555, ParticipantsCount: 1000},
		{ID: 777, ParticipantsCount: 800},
	}
	f.tracker.SetDaysLeft("79001", -1)

	ids, err := f.sched.fetchDialogs(context.Background(), f.client, "79001")
	require.NoError(t, err)

	// Подозрительно короткий список считается неполным и не применяется.
	assert.ElementsMatch(t, []string{"555", "777"}, ids)
}

func TestFetchDialogsBanlistUnavailable(t *testing.T) {
	banned := bannedStub{err: errors.New("http 503")}
	f := newFixture([]string{"79001"}, banned, Options{BannedListThreshold: 1})
	f.client.dialogs = []promo.DialogEntity{
		{ID: 555, ParticipantsCount: 1000},
	}
	f.tracker.SetDaysLeft("79001", -1)

	ids, err := f.sched.fetchDialogs(context.Background(), f.client, "79001")
	require.NoError(t, err)

	assert.Equal(t, []string{"555"}, ids)
}

func TestMobileSeedStable(t *testing.T) {
	assert.Equal(t, mobileSeed("79001234567"), mobileSeed("79001234567"))
	assert.NotEqual(t, mobileSeed("79001234567"), mobileSeed("79001234568"))
}
