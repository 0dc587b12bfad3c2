package record

import (
	"github.com/spf13/cobra"
)

// RecordCmd - родительская команда для работы с сущностями
var RecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Управление записями",
	Long: `Создание, изменение и удаление ворот, осмотров, фотографий и шаблонов.

Все изменения сохраняются локально и попадают в журнал операций,
откуда отправляются на сервер при синхронизации.`,
}
