package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"telegram-promoter/internal/domain/promo"
	"telegram-promoter/internal/infra/logger"
)

const (
	maxBodyBytes        = 1 << 20
	defaultChannelLimit = 50
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Start(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Restart(r.Context()); err != nil {
		logger.Warnf("web: restart failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Rotate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Save(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Load(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.executor.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleMobiles(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Mobiles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Patterns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	res, err := s.executor.Version(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleUpsertAccount записывает аккаунт в каталог. Изменение состава пула
// вступает в силу на следующем пересчёте ротации либо по команде restart.
func (s *Server) handleUpsertAccount(w http.ResponseWriter, r *http.Request) {
	var acc promo.Account
	if err := decodeBody(w, r, &acc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if acc.ClientID == "" || len(acc.PromoteMobiles) == 0 {
		writeError(w, http.StatusBadRequest, "clientId and promoteMobiles are required")
		return
	}
	if err := s.accounts.Upsert(r.Context(), acc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Infof("web: account %s upserted (%d mobiles)", acc.ClientID, len(acc.PromoteMobiles))
	writeOK(w)
}

// handleReplaceTemplates атомарно замещает весь набор вариантов шаблона.
func (s *Server) handleReplaceTemplates(w http.ResponseWriter, r *http.Request) {
	var templates map[string]string
	if err := decodeBody(w, r, &templates); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.templates.Replace(r.Context(), templates); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Infof("web: templates replaced (%d variants)", len(templates))
	writeOK(w)
}

// handleChannels возвращает страницу небаненных каналов каталога.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultChannelLimit)
	skip := queryInt(r, "skip", 0)

	channels, err := s.channels.ActiveChannels(r.Context(), limit, skip, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// decodeBody разбирает JSON-тело запроса с ограничением размера.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

// queryInt читает целочисленный query-параметр со значением по умолчанию.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
