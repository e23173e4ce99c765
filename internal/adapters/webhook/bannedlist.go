package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"telegram-promoter/internal/domain/promo"

	"github.com/go-faster/errors"
)

const fetchTimeout = 30 * time.Second

// BannedList загружает внешний список запрещённых каналов: JSON-массив
// идентификаторов. Используется планировщиком для фильтрации диалогов
// номеров с истёкшим запасом дней.
type BannedList struct {
	url    string
	client *http.Client
}

// NewBannedList создаёт источник списка. Пустой URL выключает источник:
// возвращается nil, планировщик переходит на локальную фильтрацию.
func NewBannedList(rawURL string) *BannedList {
	if strings.TrimSpace(rawURL) == "" {
		return nil
	}
	return &BannedList{
		url:    rawURL,
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// BannedChannels возвращает идентификаторы каналов без префикса "-100".
func (b *BannedList) BannedChannels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "webhook: build banned list request")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "webhook: fetch banned list")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("webhook: banned list answered %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "webhook: read banned list")
	}

	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, errors.Wrap(err, "webhook: decode banned list")
	}
	for i, id := range ids {
		ids[i] = promo.StripChannelPrefix(strings.TrimSpace(id))
	}
	return ids, nil
}
