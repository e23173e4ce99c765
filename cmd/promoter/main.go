package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-promoter/internal/app"
	"telegram-promoter/internal/infra/concurrency"
	"telegram-promoter/internal/infra/config"
	"telegram-promoter/internal/infra/logger"
	"telegram-promoter/internal/infra/pr"
)

func main() {
	if err := pr.Init(); err != nil {
		logger.Fatal("failed to assigning stdout and stderr", zap.Error(err))
	}

	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	// config.Load загружает конфигурацию из .env и переменных окружения.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// logger.Init задаёт уровень, а SetWriters перенаправляет выводы в подсистему pr
	// (чтобы логи не рвали строку ввода CLI).
	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if config.Env().LogFile != "" {
		logger.EnableFile(logger.FileConfig{
			Path:       config.Env().LogFile,
			Level:      config.Env().LogFileLevel,
			MaxSizeMB:  config.Env().LogFileMaxSize,
			MaxBackups: config.Env().LogFileMaxBackups,
			MaxAgeDays: config.Env().LogFileMaxAge,
			Compress:   config.Env().LogFileCompress,
		})
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM). Важно: stop() нужно вызвать, чтобы снять подписку.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// Ограниченный по времени прогон: по истечении APP_TIMEOUT остановка идёт тем же путём, что и по сигналу.
	concurrency.StartTimeoutTimer(ctx, config.Env().AppTimeout, stop)

	// Собираем приложение; блокируется до shutdown. Ошибки — фатальны, инициируем остановку и выходим.
	a := app.NewApp(ctx, stop)
	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	// Освобождаем обработчик сигналов и закрываем ресурсы bootstrap-уровня.
	stop()
	logger.Info("Graceful shutdown complete")
	logger.Sync()
}
