package conflicts

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"fieldsync/internal/domain/delta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleConflict(resolved bool) delta.Conflict {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	c := delta.Conflict{
		ID:         "c-1",
		EntityType: delta.EntityGate,
		EntityID:   "gate-7",
		FieldName:  "status",
		LocalOperation: delta.Operation{
			ID:            "op-local",
			OperationType: delta.OpUpdate,
			NewValue:      json.RawMessage(`"open"`),
			Timestamp:     at,
		},
		RemoteOperation: delta.Operation{
			ID:            "op-remote",
			OperationType: delta.OpDelete,
			Timestamp:     at.Add(time.Minute),
		},
		ResolutionStrategy: delta.ManualResolution,
		CreatedAt:          at,
	}
	if resolved {
		done := at.Add(time.Hour)
		c.ResolvedValue = json.RawMessage(`"closed"`)
		c.ResolvedAt = &done
		c.ResolvedBy = "tablet-a"
	}
	return c
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printYAML(&buf, []delta.Conflict{sampleConflict(true), sampleConflict(false)}))

	var views []conflictView
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 2)

	assert.Equal(t, "gate/gate-7", views[0].Entity)
	assert.Equal(t, `"open"`, views[0].Local)
	assert.Equal(t, "<deleted>", views[0].Remote)
	assert.Equal(t, `"closed"`, views[0].Resolved)
	assert.Equal(t, "2026-05-04T11:00:00Z", views[0].ResolvedAt)

	assert.Empty(t, views[1].Resolved)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("resolved_by:")))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTable(&buf, nil))
	assert.Contains(t, buf.String(), "Конфликтов нет")

	buf.Reset()
	require.NoError(t, printTable(&buf, []delta.Conflict{sampleConflict(false)}))
	assert.Contains(t, buf.String(), "gate/gate-7")
	assert.Contains(t, buf.String(), "ожидает")
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "short", shorten("short"))
	long := "проверка ворот на северном въезде завершена"
	got := shorten(long)
	assert.Len(t, []rune(got), 30)
	assert.Contains(t, got, "...")
}
