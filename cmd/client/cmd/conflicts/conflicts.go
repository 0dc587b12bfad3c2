package conflicts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"fieldsync/cmd/client/cmd/cliutil"
	"fieldsync/internal/domain/conflict"
	"fieldsync/internal/domain/delta"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	showAll bool
	output  string
)

var ConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Конфликты синхронизации",
	Long: `Конфликты возникают, когда локальная операция и операция с сервера
изменили одну сущность. Конфликты со стратегией manual ждут решения пользователя.`,
}

var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список конфликтов",
	Long: `Показывает конфликты, ожидающие ручного решения.

Флаг --all выводит всю историю конфликтов, включая разрешенные автоматически.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		list, err := app.Conflicts(cmd.Context(), !showAll)
		if err != nil {
			return fmt.Errorf("ошибка получения конфликтов: %w", err)
		}

		switch output {
		case "json":
			return cliutil.PrintJSON(os.Stdout, list)
		case "yaml":
			return printYAML(os.Stdout, list)
		case "table", "":
			return printTable(os.Stdout, list)
		default:
			return fmt.Errorf("неизвестный формат %q: допустимы table, json, yaml", output)
		}
	},
}

var ResolveCmd = &cobra.Command{
	Use:   "resolve <id> <value>",
	Short: "Разрешить конфликт выбранным значением",
	Long: `Записывает выбранное значение как новую локальную операцию.

Значение разбирается как JSON, иначе используется как строка:
  fieldsync conflicts resolve 3f2a... '"closed"'
  fieldsync conflicts resolve 3f2a... '{"status":"open","lock":"A-12"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		c, err := app.ResolveConflict(cmd.Context(), args[0], cliutil.ParseValue(args[1]))
		switch {
		case errors.Is(err, delta.ErrNotFound):
			return fmt.Errorf("конфликт %s не найден", args[0])
		case errors.Is(err, conflict.ErrConflictResolved):
			return fmt.Errorf("конфликт %s уже разрешен", args[0])
		case err != nil:
			return fmt.Errorf("ошибка разрешения конфликта: %w", err)
		}

		fmt.Printf("✅ Конфликт %s разрешен\n", c.ID)
		fmt.Printf("   %s/%s", c.EntityType, c.EntityID)
		if c.FieldName != "" {
			fmt.Printf(" поле %s", c.FieldName)
		}
		fmt.Printf(" = %s\n", string(c.ResolvedValue))
		fmt.Println("   Изменение будет отправлено при следующей синхронизации")
		return nil
	},
}

// conflictView плоское представление конфликта для yaml
type conflictView struct {
	ID         string `yaml:"id"`
	Entity     string `yaml:"entity"`
	Field      string `yaml:"field,omitempty"`
	Strategy   string `yaml:"strategy"`
	Local      string `yaml:"local"`
	Remote     string `yaml:"remote"`
	LocalAt    string `yaml:"local_at"`
	RemoteAt   string `yaml:"remote_at"`
	Resolved   string `yaml:"resolved,omitempty"`
	ResolvedBy string `yaml:"resolved_by,omitempty"`
	ResolvedAt string `yaml:"resolved_at,omitempty"`
}

func newView(c delta.Conflict) conflictView {
	v := conflictView{
		ID:         c.ID,
		Entity:     fmt.Sprintf("%s/%s", c.EntityType, c.EntityID),
		Field:      c.FieldName,
		Strategy:   string(c.ResolutionStrategy),
		Local:      opValue(c.LocalOperation),
		Remote:     opValue(c.RemoteOperation),
		LocalAt:    c.LocalOperation.Timestamp.UTC().Format(time.RFC3339),
		RemoteAt:   c.RemoteOperation.Timestamp.UTC().Format(time.RFC3339),
		Resolved:   string(c.ResolvedValue),
		ResolvedBy: c.ResolvedBy,
	}
	if c.ResolvedAt != nil {
		v.ResolvedAt = c.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func opValue(op delta.Operation) string {
	if op.OperationType == delta.OpDelete {
		return "<deleted>"
	}
	return string(op.NewValue)
}

func printYAML(w io.Writer, list []delta.Conflict) error {
	views := make([]conflictView, 0, len(list))
	for _, c := range list {
		views = append(views, newView(c))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(views); err != nil {
		return err
	}
	return enc.Close()
}

func printTable(w io.Writer, list []delta.Conflict) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "Конфликтов нет")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tСУЩНОСТЬ\tПОЛЕ\tСТРАТЕГИЯ\tЛОКАЛЬНО\tСЕРВЕР\tСТАТУС")
	for _, c := range list {
		v := newView(c)
		field := v.Field
		if field == "" {
			field = "-"
		}
		status := "ожидает"
		if c.IsResolved() {
			status = "разрешен"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.Entity, field, v.Strategy, shorten(v.Local), shorten(v.Remote), status)
	}
	return tw.Flush()
}

func shorten(s string) string {
	r := []rune(s)
	if len(r) <= 30 {
		return s
	}
	return string(r[:27]) + "..."
}

func init() {
	ListCmd.Flags().BoolVarP(&showAll, "all", "a", false, "показать всю историю конфликтов")
	ListCmd.Flags().StringVarP(&output, "output", "o", "table", "формат вывода: table, json, yaml")
}
