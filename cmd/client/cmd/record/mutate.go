package record

import (
	"encoding/json"
	"fmt"
	"os"

	"fieldsync/cmd/client/cmd/cliutil"

	"github.com/spf13/cobra"
)

var (
	createID   string
	createData string
	createFile string
)

var CreateCmd = &cobra.Command{
	Use:   "create <type>",
	Short: "Создать запись",
	Long: `Создает сущность указанного типа (gate, inspection, photo, template).

Значение передается флагом --data в виде JSON-объекта или файлом --file.`,
	Example: `  fieldsync record create gate --data '{"name":"North","status":"open"}'
  fieldsync record create template --id tpl-1 --file template.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}
		entityType, err := cliutil.ParseEntityType(args[0])
		if err != nil {
			return err
		}

		value, err := readObject(createData, createFile)
		if err != nil {
			return err
		}

		id, err := app.CreateEntity(cmd.Context(), entityType, createID, value)
		if err != nil {
			return fmt.Errorf("ошибка создания записи: %w", err)
		}

		fmt.Printf("✅ Создано: %s/%s\n", entityType, id)
		return nil
	},
}

var UpdateCmd = &cobra.Command{
	Use:   "update <type> <id> <field> <value>",
	Short: "Изменить поле записи",
	Long: `Записывает новое значение одного поля. Значение разбирается как JSON,
а если это не JSON, сохраняется как строка.`,
	Example: `  fieldsync record update inspection insp-1 status closed
  fieldsync record update gate g-7 coordinates '{"lat":55.7,"lon":37.6}'`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}
		entityType, err := cliutil.ParseEntityType(args[0])
		if err != nil {
			return err
		}

		if err := app.UpdateField(cmd.Context(), entityType, args[1], args[2], cliutil.ParseValue(args[3])); err != nil {
			return fmt.Errorf("ошибка изменения записи: %w", err)
		}

		fmt.Printf("✅ Поле %s записи %s/%s обновлено\n", args[2], entityType, args[1])
		return nil
	},
}

var DeleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Удалить запись",
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

		if err := app.DeleteEntity(cmd.Context(), entityType, args[1]); err != nil {
			return fmt.Errorf("ошибка удаления записи: %w", err)
		}

		fmt.Printf("✅ Запись %s/%s удалена\n", entityType, args[1])
		return nil
	},
}

var (
	photoContentType string
)

var PhotoCmd = &cobra.Command{
	Use:   "photo <inspection-id> <path>",
	Short: "Прикрепить фотографию к осмотру",
	Long: `Создает запись фотографии и ставит файл в очередь загрузки
в объектное хранилище. Загрузка выполняется при обработке очереди.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cliutil.AppFrom(cmd)
		if err != nil {
			return err
		}

		photoID, itemID, err := app.AttachPhoto(cmd.Context(), args[0], args[1], photoContentType)
		if err != nil {
			return fmt.Errorf("ошибка добавления фотографии: %w", err)
		}

		fmt.Printf("✅ Фотография %s добавлена к осмотру %s\n", photoID, args[0])
		fmt.Printf("Задача загрузки: %s\n", itemID)
		if !app.Config().MediaEnabled() {
			fmt.Println("⚠️  Объектное хранилище не настроено (MEDIA_BUCKET), загрузка не выполнится")
		}
		return nil
	},
}

func readObject(data, file string) (json.RawMessage, error) {
	if data != "" && file != "" {
		return nil, fmt.Errorf("укажите только один из флагов --data или --file")
	}

	raw := []byte(data)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения файла: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("значение записи не задано: используйте --data или --file")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("значение записи должно быть JSON-объектом: %w", err)
	}
	return json.RawMessage(raw), nil
}

func init() {
	CreateCmd.Flags().StringVar(&createID, "id", "", "идентификатор записи (по умолчанию генерируется)")
	CreateCmd.Flags().StringVarP(&createData, "data", "d", "", "значение записи в формате JSON")
	CreateCmd.Flags().StringVarP(&createFile, "file", "f", "", "файл со значением записи")

	PhotoCmd.Flags().StringVar(&photoContentType, "content-type", "", "MIME-тип файла (по умолчанию по расширению)")
}
