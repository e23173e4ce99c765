// Package commands предоставляет общий интерфейс для выполнения операторских
// команд контура продвижения. Команды используются как CLI-адаптером, так и
// веб-интерфейсом.
package commands

import (
	"context"

	"telegram-promoter/internal/domain/rotation"
	"telegram-promoter/internal/domain/session"
)

// Executor - интерфейс для выполнения операторских команд контура.
type Executor interface {
	// Status возвращает агрегированное состояние контура
	Status(ctx context.Context) (*StatusResult, error)

	// Start разрешает рассылку
	Start(ctx context.Context) error

	// Stop запрещает рассылку; соединения и расписание ротаций не трогаются
	Stop(ctx context.Context) error

	// Restart сбрасывает соединения, пересеивает пул ротации и включает рассылку
	Restart(ctx context.Context) error

	// Rotate выполняет внеплановую ротацию активного набора
	Rotate(ctx context.Context) (*RotateResult, error)

	// Check форсирует проверку живости соединений, включая глубокую пробу
	Check(ctx context.Context) (*CheckResult, error)

	// Save сбрасывает снимки всех сессий на диск
	Save(ctx context.Context) error

	// Load перечитывает снимки всех зарегистрированных сессий с диска
	Load(ctx context.Context) error

	// Reset обнуляет накопленную статистику сессий, сохраняя запас дней аккаунтов
	Reset(ctx context.Context) error

	// Mobiles возвращает срезы состояния всех зарегистрированных сессий
	Mobiles(ctx context.Context) (*MobilesResult, error)

	// Patterns возвращает историю ротаций, новые записи первыми
	Patterns(ctx context.Context) (*PatternsResult, error)

	// Version возвращает информацию о версии приложения
	Version(ctx context.Context) (*VersionResult, error)
}

// StatusResult - агрегированное состояние контура
type StatusResult struct {
	Version     string            `json:"version"`        // версия приложения
	Running     bool              `json:"isRunning"`      // разрешена ли рассылка
	Connections int               `json:"connections"`    // открытых MTProto-соединений
	QueueDepth  int               `json:"queueDepth"`     // записей в очереди проверок
	Healthy     []string          `json:"healthyMobiles"` // номера, готовые к отправке
	Rotation    rotation.Status   `json:"rotation"`       // срез движка ротации
	Sessions    []session.Summary `json:"promotionStats"` // срезы сессий
}

// RotateResult - результат внеплановой ротации
type RotateResult struct {
	Active []string `json:"active"` // новый активный набор
}

// CheckResult - результат форсированной проверки живости
type CheckResult struct {
	Healthy map[string]bool `json:"healthy"` // живость по номерам с соединением
}

// MobilesResult - результат команды Mobiles
type MobilesResult struct {
	Sessions []session.Summary `json:"sessions"`
}

// PatternsResult - результат команды Patterns
type PatternsResult struct {
	Records []rotation.Record `json:"records"`
}

// VersionResult - результат команды Version
type VersionResult struct {
	Name    string `json:"name"`    // название приложения
	Version string `json:"version"` // версия
}
