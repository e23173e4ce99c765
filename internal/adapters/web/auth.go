package web

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthManager управляет токеном и сессиями веб-интерфейса. Токен генерируется
// при старте и живёт до перегенерации: API-клиенты передают его в каждом
// запросе, браузер один раз обменивает на сессионную cookie.
type AuthManager struct {
	mu         sync.RWMutex
	token      string              // текущий активный токен
	sessions   map[string]*Session // sessionID -> Session
	sessionTTL time.Duration       // время жизни сессии
}

// Session представляет активную сессию пользователя.
type Session struct {
	ID        string
	CreatedAt time.Time
	LastSeen  time.Time
}

// NewAuthManager создает новый менеджер аутентификации.
func NewAuthManager(sessionTTL time.Duration) *AuthManager {
	return &AuthManager{
		sessions:   make(map[string]*Session),
		sessionTTL: sessionTTL,
	}
}

// GenerateToken генерирует новый токен и удаляет все старые сессии.
func (am *AuthManager) GenerateToken() string {
	am.mu.Lock()
	defer am.mu.Unlock()

	am.token = uuid.NewString()
	am.sessions = make(map[string]*Session)

	return am.token
}

// ValidateToken проверяет токен. Токен не одноразовый: он остаётся валидным
// для последующих API-запросов.
func (am *AuthManager) ValidateToken(token string) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return token != "" && am.token != "" && token == am.token
}

// StartSession создаёт новую сессию для браузерного клиента.
func (am *AuthManager) StartSession() string {
	am.mu.Lock()
	defer am.mu.Unlock()

	sessionID := uuid.NewString()
	now := time.Now()
	am.sessions[sessionID] = &Session{
		ID:        sessionID,
		CreatedAt: now,
		LastSeen:  now,
	}
	return sessionID
}

// ValidateSession проверяет сессию и обновляет LastSeen.
func (am *AuthManager) ValidateSession(sessionID string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	session, exists := am.sessions[sessionID]
	if !exists {
		return false
	}
	if time.Since(session.LastSeen) > am.sessionTTL {
		delete(am.sessions, sessionID)
		return false
	}
	session.LastSeen = time.Now()
	return true
}

// CleanExpiredSessions удаляет истекшие сессии.
func (am *AuthManager) CleanExpiredSessions() {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := time.Now()
	for id, session := range am.sessions {
		if now.Sub(session.LastSeen) > am.sessionTTL {
			delete(am.sessions, id)
		}
	}
}

// GetCurrentToken возвращает текущий активный токен.
func (am *AuthManager) GetCurrentToken() string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.token
}
