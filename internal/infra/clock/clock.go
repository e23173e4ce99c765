package clock

// Пакет clock — единая точка входа для работы со временем. Все доменные метки
// времени хранятся как epoch-миллисекунды в UTC; компоненты, которым нужна
// детерминированность в тестах, принимают источник времени как функцию и по
// умолчанию используют NowMillis.

import "time"

// Now возвращает текущее время в UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// NowMillis возвращает текущее время в epoch-миллисекундах.
func NowMillis() int64 {
	return Now().UnixMilli()
}

// FromMillis восстанавливает время из epoch-миллисекунд.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
