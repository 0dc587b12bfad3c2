package feed

import (
	"strconv"
	"time"

	"fieldsync/internal/domain/delta"
)

// Entry операция, принятая сервером, с порядковым номером в ленте изменений
type Entry struct {
	Seq        int64
	Operation  delta.Operation
	DeviceID   string
	ReceivedAt time.Time
}

// ParseToken разбирает токен продолжения. Пустой токен означает начало ленты
func ParseToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil || seq < 0 {
		return 0, ErrInvalidToken
	}
	return seq, nil
}

// FormatToken кодирует порядковый номер в токен продолжения
func FormatToken(seq int64) string {
	if seq <= 0 {
		return ""
	}
	return strconv.FormatInt(seq, 10)
}
