package cmd

import (
	"fmt"
	"os"
	"strings"

	"fieldsync/cmd/client/cmd/cliutil"
	"fieldsync/cmd/client/cmd/conflicts"
	"fieldsync/cmd/client/cmd/queue"
	"fieldsync/cmd/client/cmd/record"
	"fieldsync/cmd/client/cmd/sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Подключить устройство к серверу синхронизации",
	Long: `Команда init выполняет первоначальную настройку клиента:
	1. Запрашивает токен доступа к серверу
	2. Сохраняет его в директории конфигурации
	3. Проверяет соединение с сервером

Без соединения клиент продолжит работать офлайн, изменения
будут отправлены при следующей синхронизации.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		if app.IsAuthenticated() {
			fmt.Println("Токен уже сохранен. Для замены выполните: fieldsync logout")
			return nil
		}

		fmt.Println("=== Подключение FieldSync ===")
		fmt.Printf("Устройство: %s\n", app.Config().DeviceID)
		fmt.Printf("Сервер: %s\n\n", app.Config().ServerAddress)

		fmt.Print("Введите токен доступа: ")
		token, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("ошибка чтения токена: %w", err)
		}
		fmt.Println()

		if strings.TrimSpace(string(token)) == "" {
			return fmt.Errorf("токен не может быть пустым")
		}

		if err := app.SaveToken(string(token)); err != nil {
			return fmt.Errorf("ошибка сохранения токена: %w", err)
		}

		fmt.Println("Проверка соединения с сервером...")
		if err := app.CheckConnection(); err != nil {
			fmt.Printf("⚠️  Не удалось подключиться к серверу: %v\n", err)
			fmt.Println("Вы можете работать в офлайн-режиме, синхронизация выполнится позже.")
		} else {
			fmt.Println("✓ Соединение с сервером установлено")
		}

		fmt.Println()
		fmt.Println("✅ Устройство подключено!")
		fmt.Println("Создайте первую запись: fieldsync record create gate --data '{\"name\":\"North\"}'")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Удалить сохраненный токен",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}
		if err := app.ClearToken(); err != nil {
			return err
		}
		fmt.Println("Токен удален")
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Фоновая синхронизация и обработка очереди",
	Long: `Запускает периодическую синхронизацию, обработку очереди задач
и подписку на уведомления сервера. Завершается по Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}
		return app.Run()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(daemonCmd)

	rootCmd.AddCommand(record.RecordCmd)
	record.RecordCmd.AddCommand(record.CreateCmd)
	record.RecordCmd.AddCommand(record.UpdateCmd)
	record.RecordCmd.AddCommand(record.DeleteCmd)
	record.RecordCmd.AddCommand(record.GetCmd)
	record.RecordCmd.AddCommand(record.ListCmd)
	record.RecordCmd.AddCommand(record.HistoryCmd)
	record.RecordCmd.AddCommand(record.PhotoCmd)

	rootCmd.AddCommand(sync.SyncCmd)
	sync.SyncCmd.AddCommand(sync.StatusCmd)
	sync.SyncCmd.AddCommand(sync.StatsCmd)
	sync.SyncCmd.AddCommand(sync.BatchesCmd)

	rootCmd.AddCommand(queue.QueueCmd)
	queue.QueueCmd.AddCommand(queue.StatsCmd)
	queue.QueueCmd.AddCommand(queue.ProcessCmd)
	queue.QueueCmd.AddCommand(queue.EnqueueSyncCmd)
	queue.QueueCmd.AddCommand(queue.GetCmd)
	queue.QueueCmd.AddCommand(queue.CancelCmd)
	queue.QueueCmd.AddCommand(queue.CleanupCmd)

	rootCmd.AddCommand(conflicts.ConflictsCmd)
	conflicts.ConflictsCmd.AddCommand(conflicts.ListCmd)
	conflicts.ConflictsCmd.AddCommand(conflicts.ResolveCmd)
}
