package store

import (
	"context"
	"encoding/json"
	"slices"

	"telegram-promoter/internal/domain/promo"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// ChannelStore — каталог каналов поверх bbolt. Ключ корзины — channelId без
// префикса "-100", значение — JSON-снимок promo.Channel.
type ChannelStore struct {
	db *bbolt.DB
}

var _ promo.ChannelStore = (*ChannelStore)(nil)

// FindOne возвращает канал по идентификатору, nil для отсутствующего.
func (s *ChannelStore) FindOne(_ context.Context, id string) (*promo.Channel, error) {
	var out *promo.Channel
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(channelsBucket).Get([]byte(promo.StripChannelPrefix(id)))
		if raw == nil {
			return nil
		}
		var ch promo.Channel
		if err := json.Unmarshal(raw, &ch); err != nil {
			return errors.Wrapf(err, "decode channel %s", id)
		}
		out = &ch
		return nil
	})
	return out, err
}

// Upsert записывает канал, замещая прежний снимок целиком.
func (s *ChannelStore) Upsert(_ context.Context, ch *promo.Channel) error {
	if ch == nil || ch.ID == "" {
		return errors.New("store: channel id is empty")
	}
	dup := ch.Clone()
	dup.ID = promo.StripChannelPrefix(dup.ID)
	raw, err := json.Marshal(dup)
	if err != nil {
		return errors.Wrapf(err, "encode channel %s", dup.ID)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(channelsBucket).Put([]byte(dup.ID), raw)
	})
}

// Update применяет функциональный патч внутри одной транзакции. Для
// отсутствующего канала патч не вызывается и запись не создаётся.
func (s *ChannelStore) Update(_ context.Context, id string, mutate func(*promo.Channel)) error {
	key := []byte(promo.StripChannelPrefix(id))
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(channelsBucket)
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}
		var ch promo.Channel
		if err := json.Unmarshal(raw, &ch); err != nil {
			return errors.Wrapf(err, "decode channel %s", id)
		}
		mutate(&ch)
		next, err := json.Marshal(&ch)
		if err != nil {
			return errors.Wrapf(err, "encode channel %s", id)
		}
		return bucket.Put(key, next)
	})
}

// RemoveFromAvailableMsgs убирает один вариант шаблона из списка доступных.
func (s *ChannelStore) RemoveFromAvailableMsgs(ctx context.Context, id, variant string) error {
	return s.Update(ctx, id, func(ch *promo.Channel) {
		ch.AvailableMsgs = slices.DeleteFunc(ch.AvailableMsgs, func(v string) bool {
			return v == variant
		})
	})
}

// ActiveChannels возвращает небаненные каналы в порядке ключей корзины.
// limit <= 0 снимает ограничение; skip пропускает первые записи после фильтра.
func (s *ChannelStore) ActiveChannels(_ context.Context, limit, skip int, excludeIDs []string) ([]*promo.Channel, error) {
	exclude := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[promo.StripChannelPrefix(id)] = struct{}{}
	}

	var out []*promo.Channel
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(channelsBucket).Cursor()
		skipped := 0
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var ch promo.Channel
			if err := json.Unmarshal(v, &ch); err != nil {
				return errors.Wrapf(err, "decode channel %s", string(k))
			}
			if ch.Banned {
				continue
			}
			if _, excluded := exclude[ch.ID]; excluded {
				continue
			}
			if skipped < skip {
				skipped++
				continue
			}
			out = append(out, &ch)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
