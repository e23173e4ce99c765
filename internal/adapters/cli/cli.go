// Package cli — интерактивная командная консоль для управления контуром
// продвижения. Сервис стартует фоном, читает команды из readline и транслирует
// их в операторский фасад commands.Executor: статус, ротация, проверка
// живости, снимки сессий. Поддерживается корректная интеграция в lifecycle:
// Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"telegram-promoter/internal/domain/commands"
	"telegram-promoter/internal/infra/clock"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/pr"
)

// commandTimeout ограничивает исполнение одной консольной команды: форс-проверка
// живости ходит в сеть по всем соединениям.
const commandTimeout = 60 * time.Second

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var (
	commandDescriptors = []commandDescriptor{
		{name: "help", description: "Show available commands with short descriptions"},
		{name: "status", description: "Show promotion loop status (rotation, connections, queue)"},
		{name: "mobiles", description: "Print per-mobile session summaries"},
		{name: "start", description: "Enable promotion sending"},
		{name: "stop", description: "Disable promotion sending"},
		{name: "restart", description: "Reset connections, reseed rotation pool and start sending"},
		{name: "rotate", description: "Force an unscheduled rotation of the active set"},
		{name: "check", description: "Force a health check of all connections (deep probe)"},
		{name: "save", description: "Persist session snapshots to disk"},
		{name: "load", description: "Reload session snapshots from disk"},
		{name: "reset", description: "Reset accumulated session statistics"},
		{name: "patterns", description: "Print rotation history (newest first)"},
		{name: "dump", description: "Pretty-print the raw status structure (debugging)"},
		{name: "version", description: "Print promoter version"},
		{name: "exit", description: "Stop CLI and terminate the service"},
	}
)

// Service инкапсулирует CLI и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop(). Потокобезопасность обеспечивается
// дисциплиной запуска/остановки и отсутствием внешних мутаций.
type Service struct {
	executor  commands.Executor  // операторский фасад контура
	stopApp   context.CancelFunc // внешняя отмена приложения (команда exit, Ctrl-C на пустой строке)
	cancel    context.CancelFunc // локальная отмена run-цикла CLI
	wg        sync.WaitGroup     // ожидание завершения фоновой горутины run
	onceStart sync.Once          // идемпотентный запуск
	onceStop  sync.Once          // идемпотентная остановка
}

// NewService создаёт CLI-сервис. Параметр stopApp используется как «глобальная»
// остановка приложения (команда exit, Ctrl-C на пустой строке).
func NewService(executor commands.Executor, stopApp context.CancelFunc) *Service {
	return &Service{executor: executor, stopApp: stopApp}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются. Контекст используется как родительский для run-цикла.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает CLI: посылает внешнюю остановку приложения (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI. Печатает подсказки, устанавливает обработчики
// клавиш и в цикле читает команды построчно, передавая их в handleCommand().
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	// Главный цикл чтения команд. Выход — по отмене контекста или по EOF от readline.
	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения (stopApp) и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки (как в типичных CLI).
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	// Сохраняем предыдущий listener, чтобы не ломать поведение по умолчанию.
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		// Быстрая справка по командам по нажатию '?'.
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		// Ctrl-C (ETX): особое поведение — либо остановка приложения, либо очистка строки.
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			} else {
				// Clear the line if not empty (typical readline behavior)
				return []rune{}, 0, true
			}
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее действие.
// Возвращает true, если команда инициирует завершение CLI ("exit").
func (s *Service) handleCommand(cmd string) bool {
	switch cmd {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "mobiles":
		s.handleMobiles()
	case "start":
		s.runCommand("start", s.executor.Start)
	case "stop":
		s.runCommand("stop", s.executor.Stop)
	case "restart":
		s.runCommand("restart", s.executor.Restart)
	case "rotate":
		s.handleRotate()
	case "check":
		s.handleCheck()
	case "save":
		s.runCommand("save", s.executor.Save)
	case "load":
		s.runCommand("load", s.executor.Load)
	case "reset":
		s.runCommand("reset", s.executor.Reset)
	case "patterns":
		s.handlePatterns()
	case "dump":
		s.handleDump()
	case "version":
		s.handleVersion()
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// runCommand исполняет команду без результата и печатает исход.
func (s *Service) runCommand(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		pr.ErrPrintln(name+" error:", err)
		return
	}
	pr.Println(name + ": done")
}

// handleStatus печатает агрегированное состояние контура: рассылка, соединения,
// очередь проверок и активный набор ротации.
func (s *Service) handleStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	st, err := s.executor.Status(ctx)
	if err != nil {
		pr.ErrPrintln("status error:", err)
		return
	}

	running := "stopped"
	if st.Running {
		running = "running"
	}
	pr.Printf("Promotion: %s (v%s)\n", running, st.Version)
	pr.Printf("Connections: %d, verification queue: %d\n", st.Connections, st.QueueDepth)
	pr.Printf("Active set: %s\n", formatMobiles(st.Rotation.Active))
	pr.Printf("Available pool: %s\n", formatMobiles(st.Rotation.Available))
	pr.Printf("Healthy now: %s\n", formatMobiles(st.Healthy))
	if st.Rotation.LastRotation > 0 {
		pr.Printf("Last rotation: %s (total %d)\n",
			clock.FromMillis(st.Rotation.LastRotation).Format(time.RFC3339), st.Rotation.RotationCount)
	} else {
		pr.Println("Last rotation: <never>")
	}
}

// handleMobiles печатает по строке на каждый зарегистрированный номер.
func (s *Service) handleMobiles() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := s.executor.Mobiles(ctx)
	if err != nil {
		pr.ErrPrintln("mobiles error:", err)
		return
	}
	if len(res.Sessions) == 0 {
		pr.Println("No sessions registered yet.")
		return
	}

	sessions := res.Sessions
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Mobile < sessions[j].Mobile })
	for _, sum := range sessions {
		health := "unhealthy"
		if sum.Healthy {
			health = "healthy"
		}
		line := fmt.Sprintf("%s: %s, sent=%d ok=%d fail=%d, daysLeft=%d, channels=%d (cursor %d)",
			sum.Mobile, health, sum.Stats.MessageCount, sum.Stats.SuccessCount,
			sum.Stats.FailedCount, sum.Stats.DaysLeft, sum.ChannelCount, sum.ChannelIndex)
		if sum.IsPromoting {
			line += ", promoting"
		}
		if sum.FailureReason != "" {
			line += ", last error: " + sum.FailureReason
		}
		pr.Println(line)
	}
	pr.Printf("Total sessions: %d\n", len(sessions))
}

// handleRotate запускает внеплановую ротацию и печатает новый активный набор.
func (s *Service) handleRotate() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := s.executor.Rotate(ctx)
	if err != nil {
		pr.ErrPrintln("rotate error:", err)
		return
	}
	pr.Printf("Rotated. Active set: %s\n", formatMobiles(res.Active))
}

// handleCheck форсирует проверку живости и печатает вердикт по каждому номеру.
func (s *Service) handleCheck() {
	pr.Println("Checking connections (may take a while)...")
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := s.executor.Check(ctx)
	if err != nil {
		pr.ErrPrintln("check error:", err)
		return
	}
	if len(res.Healthy) == 0 {
		pr.Println("No open connections.")
		return
	}

	mobiles := make([]string, 0, len(res.Healthy))
	for mobile := range res.Healthy {
		mobiles = append(mobiles, mobile)
	}
	sort.Strings(mobiles)
	for _, mobile := range mobiles {
		verdict := "dead"
		if res.Healthy[mobile] {
			verdict = "alive"
		}
		pr.Printf("%s: %s\n", mobile, verdict)
	}
}

// handlePatterns печатает историю ротаций, новые записи первыми.
func (s *Service) handlePatterns() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := s.executor.Patterns(ctx)
	if err != nil {
		pr.ErrPrintln("patterns error:", err)
		return
	}
	if len(res.Records) == 0 {
		pr.Println("No rotations recorded yet.")
		return
	}
	for _, rec := range res.Records {
		pr.Printf("%s  %s  [%s]\n",
			clock.FromMillis(rec.Timestamp).Format(time.RFC3339),
			rec.ID, strings.Join(rec.Selected, ", "))
	}
	pr.Printf("Total rotations: %d\n", len(res.Records))
}

// handleDump pretty-печатает сырой StatusResult целиком: все поля, включая
// срезы сессий. Команда для разбора инцидентов, не для повседневного статуса.
func (s *Service) handleDump() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	st, err := s.executor.Status(ctx)
	if err != nil {
		pr.ErrPrintln("dump error:", err)
		return
	}
	pr.PP(st)
}

// handleVersion печатает имя и версию сервиса.
func (s *Service) handleVersion() {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := s.executor.Version(ctx)
	if err != nil {
		pr.ErrPrintln("version error:", err)
		return
	}
	pr.ErrPrintln(fmt.Sprintf("%s v%s", res.Name, res.Version))
}

// formatMobiles печатает список номеров одной строкой; пустой список — прочерк.
func formatMobiles(mobiles []string) string {
	if len(mobiles) == 0 {
		return "<none>"
	}
	return strings.Join(mobiles, ", ")
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
