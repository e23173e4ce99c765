package store

import (
	"context"

	"telegram-promoter/internal/domain/promo"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

// TemplateStore — каталог вариантов промо-шаблона. Ключ корзины — variantIndex,
// значение — сырой текст варианта без сериализации.
type TemplateStore struct {
	db *bbolt.DB
}

var _ promo.TemplateStore = (*TemplateStore)(nil)

// FindOne возвращает все варианты шаблона разом.
func (s *TemplateStore) FindOne(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(templatesBucket).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Replace атомарно замещает весь набор вариантов. Вариант "0" обязателен:
// он служит канарейкой верификации и fallback-текстом для каналов без списка.
func (s *TemplateStore) Replace(_ context.Context, templates map[string]string) error {
	if templates[promo.FallbackVariant] == "" {
		return errors.Errorf("store: template variant %q is required", promo.FallbackVariant)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(templatesBucket); err != nil {
			return errors.Wrap(err, "drop templates bucket")
		}
		bucket, err := tx.CreateBucket(templatesBucket)
		if err != nil {
			return errors.Wrap(err, "recreate templates bucket")
		}
		for variant, text := range templates {
			if err := bucket.Put([]byte(variant), []byte(text)); err != nil {
				return errors.Wrapf(err, "put template variant %s", variant)
			}
		}
		return nil
	})
}
