// Package cliutil общие помощники команд клиента
package cliutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"fieldsync/internal/app/client"
	"fieldsync/internal/domain/delta"

	"github.com/spf13/cobra"
)

var ErrNoApp = errors.New("приложение не инициализировано")

// AppFrom достает App, установленный корневой командой
func AppFrom(cmd *cobra.Command) (*client.App, error) {
	app, ok := client.FromContext(cmd.Context())
	if !ok {
		return nil, ErrNoApp
	}
	return app, nil
}

// ParseValue разбирает аргумент как JSON. Не-JSON текст считается строкой
func ParseValue(s string) json.RawMessage {
	trimmed := strings.TrimSpace(s)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(s)
	return b
}

// ParseEntityType проверяет тип сущности из аргумента команды
func ParseEntityType(s string) (delta.EntityType, error) {
	t, err := delta.ParseEntityType(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("неизвестный тип %q: допустимы gate, inspection, photo, template", s)
	}
	return t, nil
}

// PrintJSON печатает значение с отступами
func PrintJSON(w io.Writer, v interface{}) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
