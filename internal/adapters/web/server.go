// Package web — REST-поверхность управления контуром продвижения. Сервер
// оборачивает операторский фасад commands.Executor и каталоги: те же команды,
// что и в консоли, плюс административные ручки каталога. Доступ защищён
// токеном, который генерируется при старте и печатается в консоль.
package web

import (
	"context"
	"net/http"
	"time"

	"telegram-promoter/internal/domain/commands"
	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/metrics"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	cleanExpiredSessionsInterval = 3 * time.Minute
	sessionTTL                   = time.Hour
)

// Server представляет веб-сервер управления.
type Server struct {
	srv      *http.Server
	auth     *AuthManager
	executor commands.Executor

	channels  promo.ChannelStore
	templates promo.TemplateStore
	accounts  promo.AccountStore

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer создает веб-сервер на addr поверх фасада команд и каталогов.
func NewServer(
	executor commands.Executor,
	channels promo.ChannelStore,
	templates promo.TemplateStore,
	accounts promo.AccountStore,
	addr string,
) *Server {
	s := &Server{
		auth:      NewAuthManager(sessionTTL),
		executor:  executor,
		channels:  channels,
		templates: templates,
		accounts:  accounts,
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Use(loggingMiddleware)

	// Публичные эндпоинты (без авторизации).
	router.Get("/healthz", s.handleHealth)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Защищённые эндпоинты: команды контура и администрирование каталога.
	router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/restart", s.handleRestart)
		r.Post("/rotate", s.handleRotate)
		r.Post("/check", s.handleCheck)
		r.Post("/save", s.handleSave)
		r.Post("/load", s.handleLoad)
		r.Post("/reset", s.handleReset)
		r.Get("/mobiles", s.handleMobiles)
		r.Get("/patterns", s.handlePatterns)
		r.Get("/version", s.handleVersion)
		r.Get("/logs", s.handleLogs)

		r.Post("/accounts", s.handleUpsertAccount)
		r.Post("/templates", s.handleReplaceTemplates)
		r.Get("/channels", s.handleChannels)
	})

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s
}

// Start запускает веб-сервер; блокируется до остановки.
func (s *Server) Start() error {
	logger.Info("Starting web server", zap.String("address", s.srv.Addr))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.cleanupLoop(s.ctx)

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web server")
	}
	return nil
}

// Shutdown корректно останавливает веб-сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Shutting down web server...")
	if s.cancel != nil {
		s.cancel()
	}
	return s.srv.Shutdown(ctx)
}

// cleanupLoop периодически очищает истекшие сессии.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanExpiredSessionsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.auth.CleanExpiredSessions()
		}
	}
}

// GenerateAuthToken генерирует новый токен авторизации.
func (s *Server) GenerateAuthToken() string {
	token := s.auth.GenerateToken()
	logger.Info("Generated new auth token for web interface")
	return token
}

// handleHealth — проверка живости сервера.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
