package cliutil

import (
	"bytes"
	"context"
	"testing"

	"fieldsync/internal/domain/delta"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `{"status":"open"}`, want: `{"status":"open"}`},
		{in: `42`, want: `42`},
		{in: `true`, want: `true`},
		{in: `"quoted"`, want: `"quoted"`},
		{in: `North gate`, want: `"North gate"`},
		{in: ``, want: `""`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(ParseValue(tt.in)))
		})
	}
}

func TestParseEntityType(t *testing.T) {
	got, err := ParseEntityType("Inspection")
	require.NoError(t, err)
	assert.Equal(t, delta.EntityInspection, got)

	_, err = ParseEntityType("vehicle")
	assert.Error(t, err)
}

func TestAppFrom_Missing(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	_, err := AppFrom(cmd)
	assert.ErrorIs(t, err, ErrNoApp)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, map[string]int{"pending": 2}))
	assert.Equal(t, "{\n  \"pending\": 2\n}\n", buf.String())
}
