package scheduler

import (
	"telegram-promoter/internal/domain/promo"
)

// Таблицы приветствий и связок для составных сообщений. Структура составного
// сообщения фиксированная: приветствие, связка, затем текст шаблона.
var (
	greetings = []string{
		"Привет!",
		"Всем привет!",
		"Добрый день!",
		"Здравствуйте!",
		"Хей!",
	}
	connectors = []string{
		"Кстати,",
		"К слову,",
		"Между прочим,",
	}
)

// composed — собранное к отправке сообщение.
type composed struct {
	variant string
	text    string
}

// composeMessage выбирает вариант шаблона равновероятно из доступных в канале
// (по умолчанию — канарейка "0") и решает, оборачивать ли его в приветствие.
// Приветствие добавляется только каналам без ограничений по словам и только
// по исходу монетки, чтобы тексты не выглядели однотипно.
func (s *Scheduler) composeMessage(mobile string, ch *promo.Channel) composed {
	variants := ch.AvailableMsgs
	if len(variants) == 0 {
		variants = []string{promo.FallbackVariant}
	}
	variant := variants[s.intN(len(variants))]

	text, ok := s.tracker.Template(mobile, variant)
	if !ok {
		// Шаблона с таким индексом нет — откат на канарейку.
		variant = promo.FallbackVariant
		text, ok = s.tracker.Template(mobile, variant)
		if !ok {
			return composed{variant: variant}
		}
	}

	if ch.WordRestriction == 0 && s.coin() {
		return composed{variant: variant, text: s.withGreeting(text)}
	}
	return composed{variant: variant, text: text}
}

// withGreeting собирает составное сообщение: случайное приветствие, случайная
// связка, исходный текст.
func (s *Scheduler) withGreeting(text string) string {
	g := greetings[s.intN(len(greetings))]
	c := connectors[s.intN(len(connectors))]
	return g + " " + c + "\n\n" + text
}

func (s *Scheduler) intN(n int) int {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.IntN(n)
}

func (s *Scheduler) coin() bool {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.IntN(2) == 0
}
