package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/clock"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/metrics"
	"telegram-promoter/internal/infra/storage"

	"github.com/go-faster/errors"
)

// snapshotVersion — версия схемы файла снапшота.
const snapshotVersion = "1.0"

// snapshotFile — схема mobileStats-<номер>.json. Порядок полей повторяет
// порядок ключей в файле.
type snapshotFile struct {
	MobileStats      Stats                            `json:"mobileStats"`
	PromotionResults map[string]promo.PromotionResult `json:"promotionResults"`
	SavedAt          string                           `json:"savedAt"`
	Version          string                           `json:"version"`
}

// Persister сохраняет и восстанавливает снапшоты состояний номеров: по одному
// JSON-файлу на номер в каталоге dir.
type Persister struct {
	tracker      *Tracker
	dir          string
	interval     time.Duration
	flushTimeout time.Duration
}

// NewPersister собирает персистер. interval — период автосохранения,
// flushTimeout — общий лимит на финальный сброс при останове.
func NewPersister(tracker *Tracker, dir string, interval, flushTimeout time.Duration) *Persister {
	return &Persister{
		tracker:      tracker,
		dir:          dir,
		interval:     interval,
		flushTimeout: flushTimeout,
	}
}

// Path возвращает путь к файлу снапшота номера.
func (p *Persister) Path(mobile string) string {
	return filepath.Join(p.dir, "mobileStats-"+mobile+".json")
}

// Save атомарно пишет снапшот номера на диск. Номер без состояния — no-op.
func (p *Persister) Save(mobile string) error {
	stats, results, ok := p.tracker.Snapshot(mobile)
	if !ok {
		return nil
	}
	snap := snapshotFile{
		MobileStats:      stats,
		PromotionResults: results,
		SavedAt:          clock.Now().Format(time.RFC3339),
		Version:          snapshotVersion,
	}
	path := p.Path(mobile)
	if err := storage.EnsureDir(path); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return err
	}
	if err := storage.WriteJSON(path, snap); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	return nil
}

// SaveAll сохраняет все номера параллельно. Ошибки отдельных записей
// логируются и не мешают остальным; общее ожидание ограничено ctx.
func (p *Persister) SaveAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, mobile := range p.tracker.Mobiles() {
		wg.Go(func() {
			if ctx.Err() != nil {
				return
			}
			if err := p.Save(mobile); err != nil {
				logger.Errorf("persist: save %s: %v", mobile, err)
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("persist: save-all interrupted: %v", ctx.Err())
	}
}

// Load читает снапшот номера. Отсутствующий файл — первый запуск, битый JSON
// логируется и трактуется как отсутствующий; и то и другое не ошибка.
func (p *Persister) Load(mobile string) error {
	path := p.Path(mobile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read snapshot")
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warnf("persist: snapshot %s is corrupt, starting fresh: %v", path, err)
		return nil
	}
	p.tracker.Restore(mobile, snap.MobileStats, snap.PromotionResults)
	logger.Debugf("persist: %s restored from %s (saved at %s)", mobile, path, snap.SavedAt)
	return nil
}

// LoadAll восстанавливает снапшоты перечисленных номеров.
func (p *Persister) LoadAll(mobiles []string) {
	for _, m := range mobiles {
		if err := p.Load(m); err != nil {
			logger.Errorf("persist: load %s: %v", m, err)
		}
	}
}

// Run — цикл автосохранения: каждый interval чистит историю исходов и пишет
// снапшоты всех номеров. Завершается по отмене ctx.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tracker.Cleanup()
			p.SaveAll(ctx)
		}
	}
}

// Flush — финальный сброс при останове; блокирует не дольше flushTimeout.
func (p *Persister) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), p.flushTimeout)
	defer cancel()
	p.SaveAll(ctx)
}
