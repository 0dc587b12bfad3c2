package queue

import (
	"errors"
	"fmt"
	"os"
	"time"

	"fieldsync/cmd/client/cmd/cliutil"
	jobqueue "fieldsync/internal/domain/queue"

	"github.com/spf13/cobra"
)

var (
	processLimit int
	jsonOutput   bool
)

var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Очередь фоновых задач",
	Long:  `Просмотр и обработка очереди: загрузка фотографий и отложенные синхронизации.`,
}

var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Количество задач по статусам",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		stats, err := app.QueueStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка получения статистики очереди: %w", err)
		}
		if jsonOutput {
			return cliutil.PrintJSON(os.Stdout, stats)
		}

		fmt.Println("📦 Очередь:")
		for _, s := range statusOrder {
			fmt.Printf("  %-11s %d\n", s, stats[s])
		}
		fmt.Printf("  %-11s %d\n", "всего", stats.Total())
		return nil
	},
}

var ProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Обработать готовые к запуску задачи",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		res, err := app.ProcessQueue(cmd.Context(), processLimit)
		if errors.Is(err, jobqueue.ErrAlreadyProcessing) {
			fmt.Println("⏳ Очередь уже обрабатывается")
			return nil
		}
		if err != nil {
			return fmt.Errorf("ошибка обработки очереди: %w", err)
		}
		if jsonOutput {
			return cliutil.PrintJSON(os.Stdout, res)
		}

		fmt.Printf("Обработано: %d\n", res.Processed)
		fmt.Printf("  ✅ выполнено: %d\n", res.Completed)
		fmt.Printf("  🔁 отложено: %d\n", res.Retried)
		fmt.Printf("  ❌ ошибки: %d\n", res.Failed)
		return nil
	},
}

var EnqueueSyncCmd = &cobra.Command{
	Use:   "enqueue-sync",
	Short: "Поставить синхронизацию в очередь",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		id, err := app.EnqueueSync(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка постановки в очередь: %w", err)
		}
		fmt.Printf("✅ Синхронизация поставлена в очередь: %s\n", id)
		return nil
	},
}

var GetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Показать задачу очереди",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		item, err := app.QueueItem(cmd.Context(), args[0])
		if errors.Is(err, jobqueue.ErrItemNotFound) {
			return fmt.Errorf("задача %s не найдена", args[0])
		}
		if err != nil {
			return fmt.Errorf("ошибка получения задачи: %w", err)
		}
		if jsonOutput {
			return cliutil.PrintJSON(os.Stdout, item)
		}
		printItem(item)
		return nil
	},
}

var CancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Отменить ожидающую задачу",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		err = app.CancelQueueItem(cmd.Context(), args[0])
		switch {
		case errors.Is(err, jobqueue.ErrItemNotFound):
			return fmt.Errorf("задача %s не найдена", args[0])
		case errors.Is(err, jobqueue.ErrNotCancellable):
			return fmt.Errorf("отменить можно только ожидающую задачу")
		case err != nil:
			return fmt.Errorf("ошибка отмены задачи: %w", err)
		}
		fmt.Printf("✅ Задача %s отменена\n", args[0])
		return nil
	},
}

var CleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Удалить выполненные и старые неудачные задачи",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		completed, failed, err := app.CleanupQueue(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка очистки очереди: %w", err)
		}
		fmt.Printf("🧹 Удалено выполненных: %d, неудачных: %d\n", completed, failed)
		return nil
	},
}

var statusOrder = []jobqueue.Status{
	jobqueue.StatusPending,
	jobqueue.StatusProcessing,
	jobqueue.StatusCompleted,
	jobqueue.StatusFailed,
	jobqueue.StatusCancelled,
}

func printItem(item *jobqueue.Item) {
	fmt.Printf("ID: %s\n", item.ID)
	fmt.Printf("Тип: %s/%s\n", item.Type, item.Action)
	if item.EntityID != "" {
		fmt.Printf("Сущность: %s\n", item.EntityID)
	}
	fmt.Printf("Статус: %s\n", item.Status)
	fmt.Printf("Приоритет: %d\n", item.Priority)
	fmt.Printf("Попытки: %d из %d\n", item.Attempts, item.MaxAttempts)
	fmt.Printf("Создана: %s\n", item.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("Запуск не раньше: %s\n", item.ScheduledAt.Local().Format(time.DateTime))
	if item.LastAttemptAt != nil {
		fmt.Printf("Последняя попытка: %s\n", item.LastAttemptAt.Local().Format(time.DateTime))
	}
	if item.ErrorMessage != "" {
		fmt.Printf("Ошибка: %s\n", item.ErrorMessage)
	}
}

func init() {
	QueueCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "вывод в формате JSON")
	ProcessCmd.Flags().IntVarP(&processLimit, "limit", "n", 10, "максимум задач за проход")
}
