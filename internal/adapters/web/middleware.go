package web

import (
	"net/http"
	"strings"

	"telegram-promoter/internal/infra/logger"
)

const (
	sessionCookieName = "promoter_session"
	sessionMaxAge     = 3600 // 1 час в секундах
)

// authMiddleware проверяет аутентификацию запроса. Принимаются три формы:
// Authorization: Bearer <token>, query-параметр token (с обменом на cookie)
// и сессионная cookie от прежнего обмена.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Заголовок Bearer — основной путь для API-клиентов.
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			if s.auth.ValidateToken(strings.TrimSpace(bearer)) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn("web: invalid bearer token attempt")
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Токен в query — первичная браузерная авторизация, обмен на cookie.
		if token := r.URL.Query().Get("token"); token != "" {
			if !s.auth.ValidateToken(token) {
				logger.Warn("web: invalid auth token attempt")
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			sessionID := s.auth.StartSession()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookieName,
				Value:    sessionID,
				Path:     "/",
				MaxAge:   sessionMaxAge,
				HttpOnly: true,
				SameSite: http.SameSiteStrictMode,
			})
			next.ServeHTTP(w, r)
			return
		}

		// Существующая сессия через cookie.
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || !s.auth.ValidateSession(cookie.Value) {
			logger.Debugf("web: unauthorized access: %s %s from %s",
				r.Method, r.URL.Path, r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		// Продлеваем cookie.
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    cookie.Value,
			Path:     "/",
			MaxAge:   sessionMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware логирует все запросы.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
