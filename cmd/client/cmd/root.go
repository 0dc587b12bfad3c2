package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fieldsync/internal/app/client"
	"fieldsync/internal/app/client/config"
	"fieldsync/internal/utils/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/exp/slog"
)

var (
	cfgFile   string
	debug     bool
	serverURL string
	deviceID  string
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "FieldSync - офлайн-клиент полевых осмотров",
	Long: `FieldSync хранит ворота, осмотры, фотографии и шаблоны локально
и синхронизирует изменения с сервером, когда появляется связь.

Каждое изменение записывается в журнал операций и отправляется на сервер
пакетами. Конфликты разрешаются выбранной стратегией или вручную.`,
	PersistentPreRunE:  setupApp,
	PersistentPostRunE: closeApp,
	SilenceUsage:       true,
	SilenceErrors:      true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func setupApp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	// Переопределяем настройки из флагов командной строки
	if serverURL != "" {
		cfg.ServerAddress = serverURL
	}
	if deviceID != "" {
		cfg.DeviceID = deviceID
	}

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	log := logger.WithLevel(cfg.Env, level)

	app, err := client.New(cfg, log)
	if err != nil {
		return fmt.Errorf("ошибка инициализации приложения: %w", err)
	}

	cmd.SetContext(client.WithApp(cmd.Context(), app))
	log.Debug("Клиент инициализирован", slog.String("command", cmd.Name()))
	return nil
}

func closeApp(cmd *cobra.Command, _ []string) error {
	if app, ok := client.FromContext(cmd.Context()); ok {
		app.Shutdown()
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return config.MustLoad(), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "конфигурационный файл (yaml, json, toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "включить отладочный режим")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "адрес сервера синхронизации")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device", "", "идентификатор устройства")
}
