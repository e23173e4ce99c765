package scheduler

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"strconv"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/logger"
)

// refillChannels набирает номеру свежий список каналов из его диалогов.
// false — набрать нечего, шаг рассылки этого тика пропускается.
func (s *Scheduler) refillChannels(ctx context.Context, client promo.RemoteClient, mobile string) bool {
	list, err := s.fetchDialogs(ctx, client, mobile)
	if err != nil {
		logger.Warnf("scheduler: fetch dialogs of %s: %v", mobile, err)
		return false
	}
	if len(list) == 0 {
		logger.Infof("scheduler: %s has no suitable channels among dialogs", mobile)
		return false
	}
	s.tracker.SetChannels(mobile, list)
	logger.Infof("scheduler: %s picked up %d channels", mobile, len(list))
	return true
}

// fetchDialogs строит список каналов номера: просматривает до DialogsLimit
// диалогов, отбирает группы и супергруппы с открытой отправкой и достаточной
// аудиторией, отсекает известные неудачи, сортирует по убыванию аудитории,
// ограничивает ChannelsCap и перемешивает в воспроизводимом для номера порядке.
func (s *Scheduler) fetchDialogs(ctx context.Context, client promo.RemoteClient, mobile string) ([]string, error) {
	entities, err := client.GetDialogs(ctx, s.opts.DialogsLimit)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{}, len(entities))
	candidates := make([]promo.DialogEntity, 0, len(entities))
	for _, e := range entities {
		if e.ID == 0 || e.Broadcast || e.Restricted || e.SendForbidden {
			continue
		}
		if e.ParticipantsCount <= s.opts.MinParticipants {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		candidates = append(candidates, e)
	}

	// Номера с истёкшим аккаунтом сверяются с внешним бан-списком (их
	// собственная история к этому моменту обнулена); остальные выбрасывают
	// каналы с неуспешным последним исходом.
	if s.tracker.DaysLeft(mobile) < 0 {
		candidates = s.filterByRemoteBanned(ctx, candidates)
	} else {
		failed := s.tracker.FailedChannels(mobile)
		if len(failed) > 0 {
			candidates = slices.DeleteFunc(candidates, func(e promo.DialogEntity) bool {
				_, bad := failed[strconv.FormatInt(e.ID, 10)]
				return bad
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ParticipantsCount > candidates[j].ParticipantsCount
	})
	if len(candidates) > s.opts.ChannelsCap {
		candidates = candidates[:s.opts.ChannelsCap]
	}

	ids := make([]string, len(candidates))
	for i, e := range candidates {
		ids[i] = strconv.FormatInt(e.ID, 10)
	}
	shuffleSeeded(ids, mobileSeed(mobile))
	return ids, nil
}

// filterByRemoteBanned выбрасывает каналы из внешнего бан-списка. Список
// короче порога считается неполным и игнорируется целиком.
func (s *Scheduler) filterByRemoteBanned(ctx context.Context, candidates []promo.DialogEntity) []promo.DialogEntity {
	if s.banned == nil {
		return candidates
	}
	list, err := s.banned.BannedChannels(ctx)
	if err != nil {
		logger.Warnf("scheduler: banned-channels list unavailable: %v", err)
		return candidates
	}
	if len(list) <= s.opts.BannedListThreshold {
		logger.Debugf("scheduler: banned-channels list has only %d entries, ignoring", len(list))
		return candidates
	}
	bset := make(map[string]struct{}, len(list))
	for _, id := range list {
		bset[promo.StripChannelPrefix(id)] = struct{}{}
	}
	return slices.DeleteFunc(candidates, func(e promo.DialogEntity) bool {
		_, bad := bset[strconv.FormatInt(e.ID, 10)]
		return bad
	})
}

// mobileSeed — 32-битный хэш строки номера (h = h·31 + ch), источник
// воспроизводимого порядка обхода каналов для каждого номера.
func mobileSeed(mobile string) uint64 {
	var h int32
	for _, ch := range mobile {
		h = (h<<5 - h) + int32(ch)
	}
	return uint64(uint32(h))
}

// shuffleSeeded — тасовка Фишера–Йетса с детерминированным зерном.
func shuffleSeeded(list []string, seed uint64) {
	rnd := rand.New(rand.NewPCG(seed, seed))
	rnd.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
}
