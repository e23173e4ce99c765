package store

import (
	"context"
	"encoding/json"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/clock"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// AccountStore — каталог аккаунтов поверх bbolt. Ключ корзины — clientId.
type AccountStore struct {
	db *bbolt.DB
}

var _ promo.AccountStore = (*AccountStore)(nil)

// GetActiveClients возвращает все непросроченные аккаунты. Аккаунт с истёкшим
// сроком, но без флага Expired, остаётся активным: его мобильные продолжают
// продвижение в режиме daysLeft < 0.
func (s *AccountStore) GetActiveClients(_ context.Context) ([]promo.Account, error) {
	var out []promo.Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, v []byte) error {
			var acc promo.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return errors.Wrapf(err, "decode account %s", string(k))
			}
			if acc.Expired {
				return nil
			}
			out = append(out, acc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkExpired помечает истёкшими все аккаунты, удовлетворяющие предикату,
// и возвращает число затронутых записей.
func (s *AccountStore) MarkExpired(_ context.Context, pred func(promo.Account) bool) (int, error) {
	marked := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(accountsBucket)
		type patch struct {
			key []byte
			raw []byte
		}
		var patches []patch
		if err := bucket.ForEach(func(k, v []byte) error {
			var acc promo.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return errors.Wrapf(err, "decode account %s", string(k))
			}
			if acc.Expired || !pred(acc) {
				return nil
			}
			acc.Expired = true
			raw, err := json.Marshal(acc)
			if err != nil {
				return errors.Wrapf(err, "encode account %s", acc.ClientID)
			}
			patches = append(patches, patch{key: append([]byte(nil), k...), raw: raw})
			return nil
		}); err != nil {
			return err
		}
		for _, p := range patches {
			if err := bucket.Put(p.key, p.raw); err != nil {
				return err
			}
		}
		marked = len(patches)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// Upsert записывает аккаунт, замещая прежний снимок целиком.
func (s *AccountStore) Upsert(_ context.Context, acc promo.Account) error {
	if acc.ClientID == "" {
		return errors.New("store: account clientId is empty")
	}
	raw, err := json.Marshal(acc)
	if err != nil {
		return errors.Wrapf(err, "encode account %s", acc.ClientID)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountsBucket).Put([]byte(acc.ClientID), raw)
	})
}

// DaysLeft возвращает дни до истечения аккаунта, владеющего мобильным.
// Неизвестный или истёкший мобильный даёт -1 без ошибки.
func (s *AccountStore) DaysLeft(_ context.Context, mobile string) (int, error) {
	days := -1
	now := clock.Now()
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, v []byte) error {
			var acc promo.Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return errors.Wrapf(err, "decode account %s", string(k))
			}
			if acc.Expired || !acc.Owns(mobile) {
				return nil
			}
			days = acc.DaysLeftAt(now)
			return nil
		})
	})
	if err != nil {
		return -1, err
	}
	return days, nil
}
