package mtproto

import (
	"context"
	"path/filepath"
	"strings"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/storage"
	"telegram-promoter/internal/support/version"

	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/time/rate"
)

// Options — параметры фабрики клиентов: учётные данные приложения, каталог
// файлов сессий и лимит RPC-запросов в секунду на один номер.
type Options struct {
	APIID       int
	APIHash     string
	SessionDir  string
	ThrottleRPS int
	TestDC      bool
}

// Factory реализует promo.ClientFactory: на каждый мобильный номер создаётся
// отдельный gotd-клиент со своим файлом сессии и своим rate-лимитером.
type Factory struct {
	opts Options
}

var _ promo.ClientFactory = (*Factory)(nil)

// NewFactory валидирует опции и возвращает фабрику.
func NewFactory(opts Options) *Factory {
	if opts.ThrottleRPS <= 0 {
		opts.ThrottleRPS = 1
	}
	return &Factory{opts: opts}
}

// New создаёт клиент номера и блокируется до успешного подключения либо
// истечения ctx. При неудаче фоновый цикл гасится и клиент наружу не отдаётся.
func (f *Factory) New(ctx context.Context, mobile string) (promo.RemoteClient, error) {
	sessionPath := filepath.Join(f.opts.SessionDir, sessionFileName(mobile))
	if err := storage.EnsureDir(sessionPath); err != nil {
		return nil, err
	}

	cl := newClient(mobile)
	options := telegram.Options{
		SessionStorage: &FileSession{Path: sessionPath},
		Middlewares: []telegram.Middleware{
			ratelimit.New(
				rate.Limit(f.opts.ThrottleRPS),
				f.opts.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		// При сообщении от gotd о «мёртвом» соединении помечаем клиент,
		// чтобы реестр видел отключение до следующего успешного запроса.
		OnDead: cl.markDead,
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    version.Version,
		},
	}
	// Для тестовых окружений используем DC тестового стенда Telegram.
	if f.opts.TestDC {
		options.DCList = dcs.Test()
	}
	cl.tg = telegram.NewClient(f.opts.APIID, f.opts.APIHash, options)
	cl.api = cl.tg.API()

	if err := cl.Connect(ctx); err != nil {
		cl.kill()
		return nil, err
	}
	return cl, nil
}

// sessionFileName строит имя файла сессии из цифр номера: «+380 50 123-45-67»
// и «380501234567» указывают на один и тот же файл.
func sessionFileName(mobile string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, mobile)
	if digits == "" {
		digits = mobile
	}
	return digits + ".json"
}
