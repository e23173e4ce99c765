package session

// Пакет session хранит промо-состояние мобильных номеров: счётчики, метки
// времени, курсор по каналам и историю исходов по каждому каналу. Все мутации
// сериализуются в пределах одного номера; чтения отдают копии.

import (
	"sync"

	"telegram-promoter/internal/domain/promo"
)

// Stats — персистентная часть состояния номера. Порядок полей повторяет
// схему снапшота mobileStats-<номер>.json.
type Stats struct {
	MessageCount    int   `json:"messageCount"`
	SuccessCount    int   `json:"successCount"`
	FailedCount     int   `json:"failedCount"`
	DaysLeft        int   `json:"daysLeft"`
	LastCheckedTime int64 `json:"lastCheckedTime"`
	SleepTime       int64 `json:"sleepTime"`
	ReleaseTime     int64 `json:"releaseTime"`
	LastMessageTime int64 `json:"lastMessageTime"`
	Converted       int   `json:"converted"`
}

// state — полное состояние номера в памяти. Поля за пределами Stats
// эфемерны и при рестарте строятся заново.
type state struct {
	mu sync.Mutex

	stats            Stats
	tempFailCount    int
	channels         []string
	channelIndex     int
	promotionResults map[string]*promo.PromotionResult
	promoteMsgs      map[string]string
	isPromoting      bool
	failureReason    string
}

func newState() *state {
	return &state{
		promotionResults: make(map[string]*promo.PromotionResult),
		promoteMsgs:      make(map[string]string),
	}
}

// Summary — читаемый срез состояния номера для статусных команд и REST.
type Summary struct {
	Mobile        string `json:"mobile"`
	Stats         Stats  `json:"stats"`
	TempFailCount int    `json:"tempFailCount"`
	ChannelCount  int    `json:"channelCount"`
	ChannelIndex  int    `json:"channelIndex"`
	IsPromoting   bool   `json:"isPromoting"`
	Healthy       bool   `json:"healthy"`
	FailureReason string `json:"failureReason,omitempty"`
}

// Outcome — аргумент записи исхода отправки в канал.
type Outcome struct {
	Success      bool
	ErrorMessage string
}
