package session

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/clock"
	"telegram-promoter/internal/infra/logger"
)

const (
	// Паузы между отправками: номера с истекающим аккаунтом (daysLeft < 1)
	// шлют не чаще раза в 12 минут, остальные — раза в 3 минуты.
	quietWindowExpiring = 12 * time.Minute
	quietWindow         = 3 * time.Minute

	// Номера с запасом ≥ 7 дней в рассылке не участвуют: их берегут до
	// приближения срока аккаунта.
	maxDaysLeftForSending = 7

	// bannedChannelTTL — окно, в течение которого номер обходит канал после
	// бана, и одновременно TTL записей истории исходов.
	bannedChannelTTL = 3 * 24 * time.Hour

	defaultMaxResults = 5000
)

// Tracker владеет состояниями всех номеров. Операции над одним номером
// сериализуются его собственным мьютексом; карта номеров защищена RWMutex.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*state

	maxResults int
	now        func() int64 // источник времени, подменяется в тестах

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewTracker создаёт трекер с лимитом записей истории на номер.
func NewTracker(maxResults int) *Tracker {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Tracker{
		entries:    make(map[string]*state),
		maxResults: maxResults,
		now:        clock.NowMillis,
		rnd:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Register создаёт состояние номера, если его ещё нет, и фиксирует снапшот
// промо-шаблонов на момент входа номера в пул.
func (t *Tracker) Register(mobile string, promoteMsgs map[string]string) {
	t.mu.Lock()
	st, ok := t.entries[mobile]
	if !ok {
		st = newState()
		t.entries[mobile] = st
	}
	t.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.promoteMsgs = make(map[string]string, len(promoteMsgs))
	for k, v := range promoteMsgs {
		st.promoteMsgs[k] = v
	}
}

// Remove выбрасывает состояние номера из памяти. Персистентный снапшот на
// диске не трогается.
func (t *Tracker) Remove(mobile string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, mobile)
}

// Mobiles возвращает номера под управлением, отсортированные для детерминизма.
func (t *Tracker) Mobiles() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.entries))
	for m := range t.entries {
		out = append(out, m)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (t *Tracker) get(mobile string) (*state, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.entries[mobile]
	return st, ok
}

// withState выполняет fn под мьютексом состояния номера. Отсутствие состояния
// логируется и пропускается: это нарушение инварианта, но не повод падать.
func (t *Tracker) withState(mobile string, fn func(*state)) bool {
	st, ok := t.get(mobile)
	if !ok {
		logger.Warnf("session: state for %s is missing", mobile)
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st)
	return true
}

// UpdateLastMessageTime ставит метку последней отправки. at<=0 означает «сейчас».
func (t *Tracker) UpdateLastMessageTime(mobile string, at int64) {
	if at <= 0 {
		at = t.now()
	}
	t.withState(mobile, func(st *state) { st.stats.LastMessageTime = at })
}

// UpdateLastCheckedTime ставит метку последней проверки. at<=0 означает «сейчас».
func (t *Tracker) UpdateLastCheckedTime(mobile string, at int64) {
	if at <= 0 {
		at = t.now()
	}
	t.withState(mobile, func(st *state) { st.stats.LastCheckedTime = at })
}

// IncSuccess увеличивает счётчик успехов и сбрасывает серию временных неудач.
func (t *Tracker) IncSuccess(mobile string) {
	t.withState(mobile, func(st *state) {
		st.stats.SuccessCount++
		st.tempFailCount = 0
	})
}

// IncFailed увеличивает счётчик неудач и длину текущей серии.
func (t *Tracker) IncFailed(mobile string) {
	t.withState(mobile, func(st *state) {
		st.stats.FailedCount++
		st.tempFailCount++
	})
}

// IncMessageCount увеличивает общий счётчик отправленных сообщений.
func (t *Tracker) IncMessageCount(mobile string) {
	t.withState(mobile, func(st *state) { st.stats.MessageCount++ })
}

// SetSleep назначает абсолютную границу, до которой номер не шлёт (FLOOD_WAIT).
func (t *Tracker) SetSleep(mobile string, until int64) {
	t.withState(mobile, func(st *state) { st.stats.SleepTime = until })
}

// SetReleaseTime ставит метку вывода номера из активного набора. at<=0 — «сейчас».
func (t *Tracker) SetReleaseTime(mobile string, at int64) {
	if at <= 0 {
		at = t.now()
	}
	t.withState(mobile, func(st *state) { st.stats.ReleaseTime = at })
}

// SetFailureReason запоминает код последней ошибки; пустая строка очищает его.
func (t *Tracker) SetFailureReason(mobile, reason string) {
	t.withState(mobile, func(st *state) { st.failureReason = reason })
}

// SetDaysLeft обновляет запас дней аккаунта. Отрицательное значение означает
// истёкший аккаунт; история исходов при этом обнуляется.
func (t *Tracker) SetDaysLeft(mobile string, days int) {
	t.withState(mobile, func(st *state) {
		st.stats.DaysLeft = days
		if days < 0 {
			st.promotionResults = make(map[string]*promo.PromotionResult)
		}
	})
}

// DaysLeft возвращает запас дней аккаунта; -1 для неизвестного номера.
func (t *Tracker) DaysLeft(mobile string) int {
	st, ok := t.get(mobile)
	if !ok {
		return -1
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stats.DaysLeft
}

// BeginPromotion помечает номер занятым отправкой. false — отправка уже идёт
// либо состояние отсутствует; второй конкурентный заход невозможен.
func (t *Tracker) BeginPromotion(mobile string) bool {
	st, ok := t.get(mobile)
	if !ok {
		logger.Warnf("session: state for %s is missing", mobile)
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.isPromoting {
		return false
	}
	st.isPromoting = true
	return true
}

// EndPromotion снимает флаг занятости.
func (t *Tracker) EndPromotion(mobile string) {
	t.withState(mobile, func(st *state) { st.isPromoting = false })
}

// SetChannels задаёт список каналов номера и возвращает курсор в начало.
func (t *Tracker) SetChannels(mobile string, channels []string) {
	list := make([]string, len(channels))
	copy(list, channels)
	t.withState(mobile, func(st *state) {
		st.channels = list
		st.channelIndex = 0
	})
}

// Channels возвращает копию списка каналов номера.
func (t *Tracker) Channels(mobile string) []string {
	st, ok := t.get(mobile)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, len(st.channels))
	copy(out, st.channels)
	return out
}

// CurrentChannel возвращает канал под курсором. false — список пуст.
func (t *Tracker) CurrentChannel(mobile string) (string, bool) {
	st, ok := t.get(mobile)
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.channels) == 0 {
		return "", false
	}
	return st.channels[st.channelIndex], true
}

// AdvanceChannel сдвигает курсор по кругу. На каждом полном обороте список
// перемешивается заново (если в нём больше одного канала).
func (t *Tracker) AdvanceChannel(mobile string) {
	t.withState(mobile, func(st *state) {
		n := len(st.channels)
		if n == 0 {
			st.channelIndex = 0
			return
		}
		st.channelIndex = (st.channelIndex + 1) % n
		if st.channelIndex == 0 && n > 1 {
			t.shuffle(st.channels)
		}
	})
}

func (t *Tracker) shuffle(list []string) {
	t.rndMu.Lock()
	defer t.rndMu.Unlock()
	t.rnd.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
}

// Template возвращает текст промо-шаблона по индексу варианта.
func (t *Tracker) Template(mobile, variant string) (string, bool) {
	st, ok := t.get(mobile)
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	text, has := st.promoteMsgs[variant]
	return text, has
}

// RecordOutcome фиксирует исход отправки в канал. Успех увеличивает счётчик
// канала и стирает код ошибки; неудача запоминает код, не трогая счётчик.
func (t *Tracker) RecordOutcome(mobile, channelID string, out Outcome) {
	now := t.now()
	t.withState(mobile, func(st *state) {
		r, ok := st.promotionResults[channelID]
		if !ok {
			r = &promo.PromotionResult{}
			st.promotionResults[channelID] = r
		}
		if out.Success {
			r.Success = true
			r.Count++
			r.ErrorMessage = ""
		} else {
			r.Success = false
			r.ErrorMessage = out.ErrorMessage
		}
		r.LastCheckTimestamp = now
	})
}

// Outcome возвращает копию исхода по каналу, если он есть.
func (t *Tracker) Outcome(mobile, channelID string) (promo.PromotionResult, bool) {
	st, ok := t.get(mobile)
	if !ok {
		return promo.PromotionResult{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	r, has := st.promotionResults[channelID]
	if !has {
		return promo.PromotionResult{}, false
	}
	return *r, true
}

// bannedLocked перечисляет каналы, закрытые для номера свежим баном.
func bannedLocked(st *state, now int64) []string {
	cut := now - bannedChannelTTL.Milliseconds()
	var out []string
	for id, r := range st.promotionResults {
		if isBannedResult(r, cut) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func isBannedResult(r *promo.PromotionResult, cut int64) bool {
	if r.Success || r.LastCheckTimestamp <= cut {
		return false
	}
	return r.ErrorMessage == promo.CodeUserBanned || r.ErrorMessage == promo.CodeWriteForbidden
}

// BannedChannels перечисляет каналы, которые номер обязан пропускать.
func (t *Tracker) BannedChannels(mobile string) []string {
	st, ok := t.get(mobile)
	if !ok {
		return nil
	}
	now := t.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return bannedLocked(st, now)
}

// IsBanned отвечает, закрыт ли конкретный канал для номера.
func (t *Tracker) IsBanned(mobile, channelID string) bool {
	st, ok := t.get(mobile)
	if !ok {
		return false
	}
	now := t.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	r, has := st.promotionResults[channelID]
	return has && isBannedResult(r, now-bannedChannelTTL.Milliseconds())
}

// FailedChannels возвращает множество каналов с последним неуспешным исходом.
// Используется при наборе каналов для номеров с живым аккаунтом.
func (t *Tracker) FailedChannels(mobile string) map[string]struct{} {
	st, ok := t.get(mobile)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]struct{})
	for id, r := range st.promotionResults {
		if !r.Success {
			out[id] = struct{}{}
		}
	}
	return out
}

// IsHealthy — главный предикат планировщика: можно ли номеру слать прямо сейчас.
func (t *Tracker) IsHealthy(mobile string) bool {
	st, ok := t.get(mobile)
	if !ok {
		return false
	}
	now := t.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return healthyLocked(st, now)
}

// HealthyMobiles перечисляет номера, готовые к отправке, в устойчивом порядке.
func (t *Tracker) HealthyMobiles() []string {
	now := t.now()
	var out []string
	for _, m := range t.Mobiles() {
		st, ok := t.get(m)
		if !ok {
			continue
		}
		st.mu.Lock()
		healthy := healthyLocked(st, now)
		st.mu.Unlock()
		if healthy {
			out = append(out, m)
		}
	}
	return out
}

func healthyLocked(st *state, now int64) bool {
	if st.stats.DaysLeft >= maxDaysLeftForSending {
		return false
	}
	quiet := quietWindow
	if st.stats.DaysLeft < 1 {
		quiet = quietWindowExpiring
	}
	if st.stats.LastMessageTime >= now-quiet.Milliseconds() {
		return false
	}
	return st.stats.SleepTime < now
}

// Cleanup применяет обе политики чистки истории исходов: TTL по давности
// проверки и усечение до maxResults записей с наибольшим счётчиком.
func (t *Tracker) Cleanup() {
	now := t.now()
	cut := now - bannedChannelTTL.Milliseconds()
	for _, m := range t.Mobiles() {
		st, ok := t.get(m)
		if !ok {
			continue
		}
		st.mu.Lock()
		stale := 0
		for id, r := range st.promotionResults {
			if r.LastCheckTimestamp < cut {
				delete(st.promotionResults, id)
				stale++
			}
		}
		excess := trimResultsLocked(st, t.maxResults)
		st.mu.Unlock()
		if stale > 0 || excess > 0 {
			logger.Debugf("session: %s cleanup dropped %d stale and %d excess outcomes", m, stale, excess)
		}
	}
}

// trimResultsLocked оставляет maxResults записей с наибольшим count.
// Равные счётчики упорядочиваются по ID канала для детерминизма.
func trimResultsLocked(st *state, maxResults int) int {
	n := len(st.promotionResults)
	if n <= maxResults {
		return 0
	}
	type ranked struct {
		id    string
		count int
	}
	all := make([]ranked, 0, n)
	for id, r := range st.promotionResults {
		all = append(all, ranked{id: id, count: r.Count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].id < all[j].id
	})
	for _, e := range all[maxResults:] {
		delete(st.promotionResults, e.id)
	}
	return n - maxResults
}

// Snapshot отдаёт копию персистентной части состояния номера.
func (t *Tracker) Snapshot(mobile string) (Stats, map[string]promo.PromotionResult, bool) {
	st, ok := t.get(mobile)
	if !ok {
		return Stats{}, nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	results := make(map[string]promo.PromotionResult, len(st.promotionResults))
	for id, r := range st.promotionResults {
		results[id] = *r
	}
	return st.stats, results, true
}

// Restore замещает персистентную часть состояния загруженным снапшотом.
func (t *Tracker) Restore(mobile string, stats Stats, results map[string]promo.PromotionResult) {
	t.mu.Lock()
	st, ok := t.entries[mobile]
	if !ok {
		st = newState()
		t.entries[mobile] = st
	}
	t.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.stats = stats
	st.promotionResults = make(map[string]*promo.PromotionResult, len(results))
	for id, r := range results {
		cp := r
		st.promotionResults[id] = &cp
	}
}

// ResetStats обнуляет счётчики и историю всех номеров, сохраняя daysLeft:
// запас дней — свойство аккаунта, а не статистика.
func (t *Tracker) ResetStats() {
	for _, m := range t.Mobiles() {
		t.withState(m, func(st *state) {
			days := st.stats.DaysLeft
			st.stats = Stats{DaysLeft: days}
			st.tempFailCount = 0
			st.promotionResults = make(map[string]*promo.PromotionResult)
		})
	}
}

// Summaries возвращает статусные срезы всех номеров для консоли и REST.
func (t *Tracker) Summaries() []Summary {
	now := t.now()
	mobiles := t.Mobiles()
	out := make([]Summary, 0, len(mobiles))
	for _, m := range mobiles {
		st, ok := t.get(m)
		if !ok {
			continue
		}
		st.mu.Lock()
		out = append(out, Summary{
			Mobile:        m,
			Stats:         st.stats,
			TempFailCount: st.tempFailCount,
			ChannelCount:  len(st.channels),
			ChannelIndex:  st.channelIndex,
			IsPromoting:   st.isPromoting,
			Healthy:       healthyLocked(st, now),
			FailureReason: st.failureReason,
		})
		st.mu.Unlock()
	}
	return out
}
