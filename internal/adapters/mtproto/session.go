package mtproto

import (
	"context"
	"fmt"
	"os"
	"sync"

	"telegram-promoter/internal/infra/storage"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// FileSession реализует tdsession.Storage поверх обычного файла и дополняет
// сохранение атомарной записью: файл сессии никогда не остаётся в частичном
// состоянии, даже если процесс убит посреди записи. Потокобезопасен: операции
// Load/Store защищены мьютексом. Поле Path указывает путь до файла сессии
// конкретного мобильного номера.
type FileSession struct {
	Path string
	mux  sync.Mutex
}

// Компиляторная проверка соответствия интерфейсу tdsession.Storage.
var _ tdsession.Storage = (*FileSession)(nil)

// LoadSession читает файл сессии с диска.
func (f *FileSession) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *FileSession) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}
	return nil
}
