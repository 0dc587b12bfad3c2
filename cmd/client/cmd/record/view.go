package record

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"fieldsync/cmd/client/cmd/cliutil"
	"fieldsync/internal/domain/delta"

	"github.com/spf13/cobra"
)

var (
	listFormat  string
	showDeleted bool
	historyJSON bool
)

var GetCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Показать запись",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}
		entityType, err := cliutil.ParseEntityType(args[0])
		if err != nil {
			return err
		}

		entity, err := app.GetEntity(cmd.Context(), entityType, args[1])
		if err != nil {
			return fmt.Errorf("ошибка получения записи: %w", err)
		}
		return cliutil.PrintJSON(os.Stdout, entity)
	},
}

var ListCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "Список записей",
	Long:  `Список записей указанного типа. Удаленные записи скрыты, если не указан --deleted.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}
		entityType, err := cliutil.ParseEntityType(args[0])
		if err != nil {
			return err
		}

		entities, err := app.ListEntities(cmd.Context(), entityType)
		if err != nil {
			return fmt.Errorf("ошибка получения списка записей: %w", err)
		}

		visible := make([]delta.Entity, 0, len(entities))
		for _, e := range entities {
			if e.Deleted && !showDeleted {
				continue
			}
			visible = append(visible, e)
		}

		switch listFormat {
		case "json":
			return cliutil.PrintJSON(os.Stdout, visible)
		default:
			return printEntitiesTable(visible)
		}
	},
}

var HistoryCmd = &cobra.Command{
	Use:   "history <type> <id>",
	Short: "Журнал операций записи",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}
		entityType, err := cliutil.ParseEntityType(args[0])
		if err != nil {
			return err
		}

		ops, err := app.History(cmd.Context(), entityType, args[1])
		if err != nil {
			return fmt.Errorf("ошибка получения журнала: %w", err)
		}
		if historyJSON {
			return cliutil.PrintJSON(os.Stdout, ops)
		}
		return printOperationsTable(ops)
	},
}

func printEntitiesTable(entities []delta.Entity) error {
	if len(entities) == 0 {
		fmt.Println("Записи не найдены")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tВЕРСИЯ\tСТАТУС\tИЗМЕНЕНА\tДАННЫЕ")
	for _, e := range entities {
		data := string(e.Data)
		if e.Deleted {
			data = "(удалена)"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.RowVersion, e.SyncStatus, e.UpdatedAt.Local().Format(time.DateTime), truncate(data, 60))
	}
	return w.Flush()
}

func printOperationsTable(ops []delta.Operation) error {
	if len(ops) == 0 {
		fmt.Println("Операций нет")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ВРЕМЯ\tОПЕРАЦИЯ\tПОЛЕ\tВЕРСИЯ\tСТАТУС\tЗНАЧЕНИЕ")
	for _, op := range ops {
		field := op.FieldName
		if field == "" {
			field = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			op.Timestamp.Local().Format(time.DateTime), op.OperationType, field,
			op.RowVersion, op.SyncStatus, truncate(string(op.NewValue), 40))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	ListCmd.Flags().StringVarP(&listFormat, "format", "o", "table", "формат вывода: table, json")
	ListCmd.Flags().BoolVar(&showDeleted, "deleted", false, "показывать удаленные записи")
	HistoryCmd.Flags().BoolVar(&historyJSON, "json", false, "вывод в формате JSON")
}
