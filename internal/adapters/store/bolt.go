package store

// Пакет store — каталог контура на bbolt: каналы, шаблоны промо и аккаунты.
// Значения хранятся в JSON, по корзине на сущность; корзины создаются при
// открытии файла. Каталог — единственный владелец файла базы.

import (
	"strings"
	"time"

	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

const (
	channelsBucketName  = "channels"
	templatesBucketName = "templates"
	accountsBucketName  = "accounts"
	dbOpenTimeout       = time.Second
)

var (
	channelsBucket  = []byte(channelsBucketName)
	templatesBucket = []byte(templatesBucketName)
	accountsBucket  = []byte(accountsBucketName)
)

// Catalog — дескриптор открытой базы каталога.
type Catalog struct {
	db *bbolt.DB
}

// Open открывает (при необходимости создавая) файл каталога и готовит корзины.
func Open(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: catalog path is empty")
	}
	if err := storage.EnsureDir(path); err != nil {
		return nil, errors.Wrap(err, "store: ensure catalog dir")
	}

	db, err := bbolt.Open(path, storage.DefaultFilePerm, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "store: open catalog %s", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{channelsBucket, templatesBucket, accountsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warnf("store: close catalog after failed init: %v", closeErr)
		}
		return nil, errors.Wrap(err, "store: init buckets")
	}
	return &Catalog{db: db}, nil
}

// Close закрывает файл базы.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Channels возвращает каталог каналов.
func (c *Catalog) Channels() *ChannelStore {
	return &ChannelStore{db: c.db}
}

// Templates возвращает каталог промо-шаблонов.
func (c *Catalog) Templates() *TemplateStore {
	return &TemplateStore{db: c.db}
}

// Accounts возвращает каталог аккаунтов.
func (c *Catalog) Accounts() *AccountStore {
	return &AccountStore{db: c.db}
}
