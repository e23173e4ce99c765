package web

import (
	"bufio"
	"net/http"
	"os"
	"slices"
	"strings"

	"telegram-promoter/internal/infra/config"

	"github.com/go-faster/errors"
)

// logEntry — одна строка файлового лога в ответе /api/logs. Поле caller
// опускается для строк, которые не удалось разобрать (стектрейсы и т.п.).
type logEntry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Caller  string `json:"caller,omitempty"`
	Message string `json:"message"`
}

const (
	logsPageSize       = 500
	logsMaxPages       = 100
	logsMaxFileSize    = 100 << 20
	logsMaxLineBytes   = 1 << 20
	logsScannerInitial = 64 << 10
)

// handleLogs отдаёт файловый лог постранично, свежие записи первыми.
// Параметр page нумеруется с единицы. Требует включённого файлового
// логирования (LOG_FILE); lumberjack ротирует файл, поэтому здесь читается
// только актуальный сегмент.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	path := config.Env().LogFile
	if path == "" {
		writeError(w, http.StatusNotFound, "file log is disabled, set LOG_FILE to enable")
		return
	}

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	if page > logsMaxPages {
		page = logsMaxPages
	}

	entries, totalPages, err := readLogPage(path, page, logsPageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries":    entries,
		"page":       page,
		"totalPages": totalPages,
	})
}

// readLogPage читает лог целиком и возвращает страницу записей в обратном
// хронологическом порядке. Файл больше logsMaxFileSize не читается: ротация
// настроена через LOG_FILE_MAX_SIZE, и такой размер означает её поломку.
func readLogPage(path string, page, pageSize int) ([]logEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open log file")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, 0, errors.Wrap(err, "stat log file")
	}
	if st.Size() > logsMaxFileSize {
		return nil, 0, errors.Errorf("log file too large: %d bytes, check rotation settings", st.Size())
	}

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, logsScannerInitial), logsMaxLineBytes)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "read log file")
	}

	slices.Reverse(lines)

	totalPages := (len(lines) + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	if start >= len(lines) {
		return []logEntry{}, totalPages, nil
	}
	end := min(start+pageSize, len(lines))

	entries := make([]logEntry, 0, end-start)
	for _, line := range lines[start:end] {
		entries = append(entries, parseLogLine(line))
	}
	return entries, totalPages, nil
}

// parseLogLine разбирает строку консольного encoder'а zap:
// время, уровень, caller и сообщение, разделённые табуляцией. Строки без
// такой структуры (продолжения стектрейсов) возвращаются как есть.
func parseLogLine(line string) logEntry {
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) < 4 || !isLogLevel(parts[1]) {
		return logEntry{Level: "UNKNOWN", Message: line}
	}
	return logEntry{
		Time:    parts[0],
		Level:   parts[1],
		Caller:  parts[2],
		Message: parts[3],
	}
}

// isLogLevel отсечает строки, в которых вторая колонка — не уровень zap.
func isLogLevel(s string) bool {
	switch s {
	case "DEBUG", "INFO", "WARN", "ERROR", "DPANIC", "PANIC", "FATAL":
		return true
	}
	return false
}
