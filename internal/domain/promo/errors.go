package promo

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Сентинели реестра соединений.
var (
	// ErrLimitReached — реестр упёрся в максимум одновременных соединений.
	ErrLimitReached = errors.New("connection limit reached")
	// ErrAccountNotFound — мобильный не числится ни за одним активным аккаунтом.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNoClient — для мобильного нет живого соединения.
	ErrNoClient = errors.New("no client for mobile")
)

// Коды ошибок Telegram RPC, на которые ядро реагирует особым образом.
// Значения совпадают с типами ошибок MTProto и попадают в errorMessage
// исходов продвижения как есть.
const (
	CodeFloodWait           = "FLOOD_WAIT"
	CodeChannelPrivate      = "CHANNEL_PRIVATE"
	CodeUserBanned          = "USER_BANNED_IN_CHANNEL"
	CodeWriteForbidden      = "CHAT_WRITE_FORBIDDEN"
	CodeUserDeactivated     = "USER_DEACTIVATED"
	CodeUserDeactivatedBan  = "USER_DEACTIVATED_BAN"
	CodeAuthKeyUnregistered = "AUTH_KEY_UNREGISTERED"
	CodeSessionRevoked      = "SESSION_REVOKED"
	CodePhoneBanned         = "PHONE_NUMBER_BANNED"
)

// ErrorKind — классы исходов неудачной отправки. Планировщик диспетчеризуется
// по этой сумме; только успешная отправка ведёт к постановке в очередь верификации.
type ErrorKind int

const (
	// KindTransient — сетевые и прочие временные сбои; повтор на следующем тике.
	KindTransient ErrorKind = iota
	// KindFloodWait — rate-limit Telegram; Seconds задаёт длину паузы сессии.
	KindFloodWait
	// KindChannelPrivate — канал недоступен по id; допустим один повтор по username.
	KindChannelPrivate
	// KindUserBanned — мобильный забанен в канале; канал пропускается ≥ 3 суток.
	KindUserBanned
	// KindWriteForbidden — запись в канал запрещена; терминально для пары M+C.
	KindWriteForbidden
	// KindTerminalAccount — аккаунт мёртв (деактивация, отзыв сессии, бан номера).
	KindTerminalAccount
)

// String возвращает метку класса для логов и метрик.
func (k ErrorKind) String() string {
	switch k {
	case KindFloodWait:
		return "flood_wait"
	case KindChannelPrivate:
		return "channel_private"
	case KindUserBanned:
		return "user_banned"
	case KindWriteForbidden:
		return "write_forbidden"
	case KindTerminalAccount:
		return "terminal_account"
	default:
		return "transient"
	}
}

// SendError — классифицированная ошибка отправки. Конструируется адаптером
// транспорта из RPC-ошибки; Code хранит исходный тип ошибки Telegram, Seconds
// заполнен только для KindFloodWait.
type SendError struct {
	Kind    ErrorKind
	Code    string
	Seconds int
	cause   error
}

// NewSendError создаёт SendError с причиной. Code по возможности — тип RPC-ошибки.
func NewSendError(kind ErrorKind, code string, seconds int, cause error) *SendError {
	return &SendError{Kind: kind, Code: code, Seconds: seconds, cause: cause}
}

// Error реализует error.
func (e *SendError) Error() string {
	if e.Kind == KindFloodWait {
		return fmt.Sprintf("send failed: %s (%d s)", e.Code, e.Seconds)
	}
	return fmt.Sprintf("send failed: %s", e.Code)
}

// Unwrap отдаёт исходную ошибку транспорта.
func (e *SendError) Unwrap() error { return e.cause }

// AsSendError извлекает SendError из цепочки обёрток. Для неклассифицированных
// ошибок возвращает (nil, false): вызывающий трактует их как KindTransient.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// AccountError — перманентная ошибка уровня аккаунта, полученная при подключении
// или deep-пробе. Реестр по ней помечает аккаунт истёкшим.
type AccountError struct {
	Mobile string
	Code   string
	cause  error
}

// NewAccountError создаёт AccountError.
func NewAccountError(mobile, code string, cause error) *AccountError {
	return &AccountError{Mobile: mobile, Code: code, cause: cause}
}

// Error реализует error.
func (e *AccountError) Error() string {
	return fmt.Sprintf("account %s: %s", e.Mobile, e.Code)
}

// Unwrap отдаёт исходную ошибку транспорта.
func (e *AccountError) Unwrap() error { return e.cause }

// IsPermanentAccountErr сообщает, является ли ошибка перманентной для аккаунта.
func IsPermanentAccountErr(err error) (*AccountError, bool) {
	var ae *AccountError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// PermanentAccountCode проверяет, входит ли код RPC-ошибки в множество
// перманентных: такие аккаунты исключаются из ротации до смены их состояния.
func PermanentAccountCode(code string) bool {
	switch code {
	case CodeUserDeactivated, CodeUserDeactivatedBan, CodeAuthKeyUnregistered,
		CodeSessionRevoked, CodePhoneBanned:
		return true
	default:
		return false
	}
}
