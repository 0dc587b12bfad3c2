package oplog

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// NextVersion возвращает следующую версию сущности: текущая плюс один или 1 для новой
func NextVersion(current int64, exists bool) int64 {
	if !exists || current < 0 {
		return 1
	}
	return current + 1
}

// NewETag строит непрозрачный токен из идентификатора, версии и времени
func NewETag(entityID string, version int64, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(version, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(at.UnixNano(), 10)))
	return `"` + strconv.FormatInt(version, 10) + "-" + hex.EncodeToString(h.Sum(nil)[:12]) + `"`
}
