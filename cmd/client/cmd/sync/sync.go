package sync

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"fieldsync/cmd/client/cmd/cliutil"
	"fieldsync/internal/app/client"
	"fieldsync/internal/domain/delta"

	"github.com/spf13/cobra"
)

var (
	resetStats   bool
	batchesLimit int
	jsonOutput   bool
)

var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Синхронизировать изменения с сервером",
	Long: `Получает изменения других устройств, затем отправляет локальные операции.

Каждая фаза повторяется с экспоненциальной задержкой при сетевых ошибках.
Конфликты разрешаются стратегией из SYNC_CONFLICT_RESOLUTION.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		if !app.IsAuthenticated() {
			return fmt.Errorf("требуется токен доступа. Выполните: fieldsync init")
		}

		fmt.Println("=== Синхронизация данных ===")
		report, err := app.Sync(cmd.Context())
		if err != nil {
			return fmt.Errorf("ошибка синхронизации: %w", err)
		}

		if jsonOutput {
			return cliutil.PrintJSON(os.Stdout, report)
		}
		printReport(report)
		return nil
	},
}

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Состояние синхронизации",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		status := app.SyncStatus(cmd.Context())
		if jsonOutput {
			return cliutil.PrintJSON(os.Stdout, status)
		}

		fmt.Println("=== Статус синхронизации ===")
		fmt.Printf("Состояние: %s\n", status.State)
		fmt.Printf("Ожидают отправки: %d операций\n", status.PendingOperations)
		if !status.LastSync.IsZero() {
			fmt.Printf("Последняя успешная: %s\n", status.LastSync.Local().Format(time.DateTime))
		}
		if status.LastError != "" {
			fmt.Printf("Последняя ошибка: %s\n", status.LastError)
		}

		fmt.Printf("\n🌐 Соединение с сервером: ")
		if err := app.CheckConnection(); err != nil {
			fmt.Printf("❌ %v\n", err)
		} else {
			fmt.Println("✅ OK")
		}

		fmt.Printf("🔐 Токен: ")
		if app.IsAuthenticated() {
			fmt.Println("✅ сохранен")
		} else {
			fmt.Println("❌ отсутствует")
		}
		return nil
	},
}

var StatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Накопленная статистика синхронизаций",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		if resetStats {
			app.ResetSyncStats()
			fmt.Println("✅ Статистика синхронизации сброшена")
			return nil
		}

		stats := app.SyncStats()
		if jsonOutput {
			return cliutil.PrintJSON(os.Stdout, stats)
		}
		printStats(stats)
		return nil
	},
}

var BatchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Последние пакеты push и pull",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		batches, err := app.Batches(cmd.Context(), batchesLimit)
		if err != nil {
			return fmt.Errorf("ошибка получения пакетов: %w", err)
		}
		if jsonOutput {
			return cliutil.PrintJSON(os.Stdout, batches)
		}
		return printBatches(batches)
	},
}

func printReport(report *client.SyncReport) {
	fmt.Println()
	fmt.Println("✅ Синхронизация завершена!")
	fmt.Printf("Время выполнения: %v\n", report.Duration.Round(time.Millisecond))

	conflicts := 0
	var errs []string
	if report.Pull != nil {
		fmt.Printf("Получено с сервера: %d операций\n", report.Pull.SyncedOperations)
		conflicts += len(report.Pull.Conflicts)
		errs = append(errs, report.Pull.Errors...)
	}
	if report.Push != nil {
		fmt.Printf("Отправлено на сервер: %d операций\n", report.Push.SyncedOperations)
		conflicts += len(report.Push.Conflicts)
		errs = append(errs, report.Push.Errors...)
	}

	if conflicts > 0 {
		fmt.Printf("Обнаружено конфликтов: %d\n", conflicts)
		fmt.Println("   Используйте 'fieldsync conflicts list' для просмотра")
	}

	if len(errs) > 0 {
		fmt.Printf("Ошибок при синхронизации: %d\n", len(errs))
		for i, e := range errs {
			if i == 3 {
				fmt.Printf("  ... и еще %d ошибок\n", len(errs)-3)
				break
			}
			fmt.Printf("  • %s\n", e)
		}
	}
}

func printStats(stats client.SyncStats) {
	fmt.Println("📊 Статистика:")
	fmt.Printf("  Всего синхронизаций: %d\n", stats.TotalSyncs)
	fmt.Printf("  С ошибками: %d\n", stats.TotalErrors)
	fmt.Printf("  Отправлено операций: %d\n", stats.TotalPushed)
	fmt.Printf("  Получено операций: %d\n", stats.TotalPulled)
	fmt.Printf("  Конфликтов: %d\n", stats.TotalConflicts)
	fmt.Printf("  Среднее время: %.2f сек\n", stats.AvgSyncDuration)

	if !stats.LastSuccessful.IsZero() {
		fmt.Printf("  Последняя успешная: %s\n", stats.LastSuccessful.Local().Format(time.DateTime))
	}
	if !stats.LastFailed.IsZero() {
		fmt.Printf("  Последняя неудачная: %s\n", stats.LastFailed.Local().Format(time.DateTime))
	}
}

func printBatches(batches []delta.Batch) error {
	if len(batches) == 0 {
		fmt.Println("Пакетов нет")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "СОЗДАН\tТИП\tСТАТУС\tВСЕГО\tУСПЕШНО\tОШИБКИ\tПОПЫТКА\tТОКЕН")
	for _, b := range batches {
		token := b.NextSyncToken
		if token == "" {
			token = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			b.CreatedAt.Local().Format(time.DateTime), b.Type, b.Status,
			b.TotalOperations, b.SuccessfulOperations, b.FailedOperations, b.RetryCount, token)
	}
	return w.Flush()
}

func init() {
	SyncCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "вывод в формате JSON")
	StatsCmd.Flags().BoolVar(&resetStats, "reset", false, "сбросить статистику синхронизации")
	BatchesCmd.Flags().IntVarP(&batchesLimit, "limit", "n", 20, "количество пакетов")
}
