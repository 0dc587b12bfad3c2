package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Fields разбирает значение сущности как JSON-объект. Пустое значение дает пустой объект
func Fields(v json.RawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return fields, nil
	}
	if trimmed[0] != '{' {
		return nil, ErrNotAnObject
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("decode entity value: %w", err)
	}
	return fields, nil
}

// SetField возвращает копию объекта base, в которой поле name равно value
func SetField(base json.RawMessage, name string, value json.RawMessage) (json.RawMessage, error) {
	return MergeFields(base, map[string]json.RawMessage{name: value})
}

// MergeFields накладывает поля overlay поверх объекта base
func MergeFields(base json.RawMessage, overlay map[string]json.RawMessage) (json.RawMessage, error) {
	fields, err := Fields(base)
	if err != nil {
		return nil, err
	}
	for k, v := range overlay {
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("field %q: invalid JSON value", k)
		}
		fields[k] = v
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode entity value: %w", err)
	}
	return out, nil
}

// Assignments возвращает поля, которые операция записывает в сущность
func Assignments(op Operation) (map[string]json.RawMessage, error) {
	if op.IsFieldUpdate() {
		return map[string]json.RawMessage{op.FieldName: op.NewValue}, nil
	}
	if len(op.NewValue) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	return Fields(op.NewValue)
}
