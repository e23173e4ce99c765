package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"telegram-promoter/internal/domain/promo"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeClient — транспорт, умеющий только зондировать историю.
type probeClient struct {
	ids    []int64
	err    error
	calls  int
	minIDs []int64
}

func (c *probeClient) Connect(context.Context) error    { return nil }
func (c *probeClient) Disconnect(context.Context) error { return nil }
func (c *probeClient) IsConnected() bool                { return true }

func (c *probeClient) GetSelf(context.Context) (promo.SelfInfo, error) {
	return promo.SelfInfo{}, nil
}

func (c *probeClient) GetDialogs(context.Context, int) ([]promo.DialogEntity, error) {
	return nil, nil
}

func (c *probeClient) GetEntity(context.Context, string) (*promo.Channel, error) {
	return nil, nil
}

func (c *probeClient) GetMessages(_ context.Context, _ string, minID int64) ([]int64, error) {
	c.calls++
	c.minIDs = append(c.minIDs, minID)
	if c.err != nil {
		return nil, c.err
	}
	return c.ids, nil
}

func (c *probeClient) SendMessage(context.Context, string, string) (int64, error) {
	return 0, nil
}

type stubClients struct {
	clients map[string]promo.RemoteClient
}

func (s stubClients) Get(mobile string) promo.RemoteClient { return s.clients[mobile] }

// memChannels — каталог каналов в памяти с журналом мутаций.
type memChannels struct {
	mu       sync.Mutex
	channels map[string]*promo.Channel
	removed  []string // "id/variant"
}

func newMemChannels(chs ...*promo.Channel) *memChannels {
	m := &memChannels{channels: make(map[string]*promo.Channel)}
	for _, ch := range chs {
		m.channels[ch.ID] = ch.Clone()
	}
	return m
}

func (m *memChannels) FindOne(_ context.Context, id string) (*promo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id].Clone(), nil
}

func (m *memChannels) Upsert(_ context.Context, ch *promo.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch.Clone()
	return nil
}

func (m *memChannels) Update(_ context.Context, id string, mutate func(*promo.Channel)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return errors.Errorf("channel %s not found", id)
	}
	mutate(ch)
	return nil
}

func (m *memChannels) RemoveFromAvailableMsgs(_ context.Context, id, variant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id+"/"+variant)
	ch, ok := m.channels[id]
	if !ok {
		return nil
	}
	kept := ch.AvailableMsgs[:0]
	for _, v := range ch.AvailableMsgs {
		if v != variant {
			kept = append(kept, v)
		}
	}
	ch.AvailableMsgs = kept
	return nil
}

func (m *memChannels) ActiveChannels(context.Context, int, int, []string) ([]*promo.Channel, error) {
	return nil, nil
}

func (m *memChannels) get(id string) *promo.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id].Clone()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []promo.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev promo.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func newTestQueue(client promo.RemoteClient, channels *memChannels, notifier promo.Notifier, maxSize int) *Queue {
	q := NewQueue(
		stubClients{clients: map[string]promo.RemoteClient{"79001": client}},
		channels, notifier, maxSize, 10*time.Second)
	q.now = func() int64 { return 1_000_000 }
	return q
}

// matureItem созревает к моменту фиксированного now тестовой очереди.
func matureItem(channelID string, messageID int64, variant string) promo.PendingVerification {
	return promo.PendingVerification{
		ChannelID:    channelID,
		MessageID:    messageID,
		VariantIndex: variant,
		Timestamp:    1_000_000 - 10_000,
	}
}

func TestQueuePushOverflow(t *testing.T) {
	q := newTestQueue(&probeClient{}, newMemChannels(), nil, 20)

	for i := range 20 {
		q.Push("79001", matureItem("c1", int64(i+1), "0"))
	}
	require.Equal(t, 20, q.Len("79001"))

	// Переполнение сбрасывает 10% самых старых записей, новая встаёт в хвост.
	q.Push("79001", matureItem("c1", 21, "0"))
	assert.Equal(t, 19, q.Len("79001"))

	due := q.takeDue(1_000_000)
	require.Len(t, due["79001"], 19)
	assert.Equal(t, int64(3), due["79001"][0].MessageID)
	assert.Equal(t, int64(21), due["79001"][18].MessageID)
}

func TestQueuePushOverflowTinyQueue(t *testing.T) {
	q := newTestQueue(&probeClient{}, newMemChannels(), nil, 5)

	for i := range 6 {
		q.Push("79001", matureItem("c1", int64(i+1), "0"))
	}

	// 10% от 5 — ноль, но хотя бы одна запись сбрасывается всегда.
	assert.Equal(t, 5, q.Len("79001"))
}

func TestQueueTakeDueMaturity(t *testing.T) {
	q := newTestQueue(&probeClient{}, newMemChannels(), nil, 100)

	q.Push("79001", promo.PendingVerification{ChannelID: "c1", MessageID: 1, Timestamp: 980_000})
	q.Push("79001", promo.PendingVerification{ChannelID: "c1", MessageID: 2, Timestamp: 995_000})

	// cut = now − delay: созревает только запись возрастом ≥ 10 секунд.
	due := q.takeDue(1_000_000)
	require.Len(t, due["79001"], 1)
	assert.Equal(t, int64(1), due["79001"][0].MessageID)
	assert.Equal(t, 1, q.Len("79001"))
	assert.Equal(t, 1, q.Total())
}

func TestQueueDrainSurvived(t *testing.T) {
	client := &probeClient{ids: []int64{42, 41, 40}}
	channels := newMemChannels(&promo.Channel{ID: "c1", AvailableMsgs: []string{"1", "2"}})
	notifier := &recordingNotifier{}
	q := newTestQueue(client, channels, notifier, 100)

	q.Push("79001", matureItem("c1", 42, "1"))
	q.Drain(context.Background())

	// Зонд опускается на два сообщения ниже проверяемого.
	require.Equal(t, []int64{40}, client.minIDs)

	ch := channels.get("c1")
	assert.Equal(t, int64(990_000), ch.LastMessageTime)
	assert.False(t, ch.Banned)
	assert.Empty(t, channels.removed)
	assert.Empty(t, notifier.events)
	assert.Equal(t, 0, q.Total())
}

func TestQueueDrainVariantDeleted(t *testing.T) {
	client := &probeClient{ids: []int64{50, 49}} // проверяемого id среди свежих нет
	channels := newMemChannels(&promo.Channel{ID: "c1", AvailableMsgs: []string{"3", "5"}})
	notifier := &recordingNotifier{}
	q := newTestQueue(client, channels, notifier, 100)

	q.Push("79001", matureItem("c1", 42, "3"))
	q.Drain(context.Background())

	assert.Equal(t, []string{"c1/3"}, channels.removed)
	ch := channels.get("c1")
	assert.False(t, ch.Banned)
	assert.Equal(t, []string{"5"}, ch.AvailableMsgs)

	require.Len(t, notifier.events, 1)
	ev := notifier.events[0]
	assert.Equal(t, promo.EventVariantRemoved, ev.Kind)
	assert.Equal(t, "79001", ev.Mobile)
	assert.Equal(t, "c1", ev.ChannelID)
	assert.Equal(t, "3", ev.Variant)
}

func TestQueueDrainCanaryBansChannel(t *testing.T) {
	client := &probeClient{ids: nil} // история пуста — сообщение удалено
	channels := newMemChannels(&promo.Channel{ID: "c1", AvailableMsgs: []string{}})
	notifier := &recordingNotifier{}
	q := newTestQueue(client, channels, notifier, 100)

	q.Push("79001", matureItem("c1", 42, promo.FallbackVariant))
	q.Drain(context.Background())

	// Канарейка при пустом списке вариантов закрывает канал; список не трогаем.
	assert.True(t, channels.get("c1").Banned)
	assert.Empty(t, channels.removed)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, promo.EventChannelBanned, notifier.events[0].Kind)
}

func TestQueueDrainCanaryWithVariantsLeft(t *testing.T) {
	client := &probeClient{ids: []int64{50}}
	channels := newMemChannels(&promo.Channel{ID: "c1", AvailableMsgs: []string{"2"}})
	notifier := &recordingNotifier{}
	q := newTestQueue(client, channels, notifier, 100)

	q.Push("79001", matureItem("c1", 42, promo.FallbackVariant))
	q.Drain(context.Background())

	// Пока остаются другие варианты, гибель "0" — рядовое исключение варианта.
	assert.False(t, channels.get("c1").Banned)
	assert.Equal(t, []string{"c1/0"}, channels.removed)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, promo.EventVariantRemoved, notifier.events[0].Kind)
}

func TestQueueDrainWithoutClient(t *testing.T) {
	channels := newMemChannels(&promo.Channel{ID: "c1"})
	notifier := &recordingNotifier{}
	q := NewQueue(stubClients{}, channels, notifier, 100, 10*time.Second)
	q.now = func() int64 { return 1_000_000 }

	q.Push("79005", matureItem("c1", 42, "1"))
	q.Drain(context.Background())

	// Запись потребляется и без транспорта: повторной проверки не будет.
	assert.Equal(t, 0, q.Total())
	assert.Empty(t, channels.removed)
	assert.Empty(t, notifier.events)
}

func TestQueueDrainProbeErrorConsumesOnce(t *testing.T) {
	client := &probeClient{err: errors.New("FLOOD_WAIT_30")}
	channels := newMemChannels(&promo.Channel{ID: "c1", AvailableMsgs: []string{"1"}})
	notifier := &recordingNotifier{}
	q := newTestQueue(client, channels, notifier, 100)

	q.Push("79001", matureItem("c1", 42, "1"))
	q.Drain(context.Background())
	q.Drain(context.Background())

	assert.Equal(t, 1, client.calls)
	assert.Empty(t, channels.removed)
	assert.Empty(t, notifier.events)
	assert.Equal(t, 0, q.Total())
}

func TestQueueDrainUnknownChannel(t *testing.T) {
	client := &probeClient{ids: nil}
	channels := newMemChannels()
	notifier := &recordingNotifier{}
	q := newTestQueue(client, channels, notifier, 100)

	q.Push("79001", matureItem("ghost", 42, "1"))
	q.Drain(context.Background())

	assert.Empty(t, channels.removed)
	assert.Empty(t, notifier.events)
}

func TestQueueDrainKeepsImmatureItems(t *testing.T) {
	client := &probeClient{ids: []int64{42}}
	channels := newMemChannels(&promo.Channel{ID: "c1"})
	q := newTestQueue(client, channels, nil, 100)

	q.Push("79001", promo.PendingVerification{ChannelID: "c1", MessageID: 42, Timestamp: 999_999})
	q.Drain(context.Background())

	assert.Equal(t, 0, client.calls)
	assert.Equal(t, 1, q.Len("79001"))
}
