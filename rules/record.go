package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Column names used by the dashboard's rules table.
const (
	ColumnID        = "Id"
	ColumnName      = "NOME_REGRA"
	ColumnActive    = "ATIVO"
	ColumnPriority  = "PRIORIDADE"
	ColumnRule      = "REGRA"
	ColumnCreatedAt = "CreatedAt"
	ColumnUpdatedAt = "UpdatedAt"
)

// RecordFromRow converts a loosely typed table row into a Record.
// ATIVO defaults to true and is false only for false-like values;
// a PRIORIDADE that is missing or not numeric is left unset.
func RecordFromRow(row map[string]any) (*Record, error) {
	rec := &Record{
		ID:     stringify(row[ColumnID]),
		Active: true,
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: row without %s", ErrInvalidRule, ColumnID)
	}
	if name, ok := row[ColumnName]; ok {
		rec.Name = stringify(name)
	}

	if v, ok := row[ColumnActive]; ok {
		rec.Active = !falseLike(v)
	}

	if v, ok := row[ColumnPriority]; ok && v != nil {
		if f, ok := coerceNumber(v); ok && isFinite(f) {
			p := int(math.Round(f))
			rec.Priority = &p
		}
	}

	switch def := row[ColumnRule].(type) {
	case nil:
	case string:
		rec.Definition = json.RawMessage(strconv.Quote(def))
	default:
		b, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, ColumnRule, err)
		}
		rec.Definition = b
	}

	rec.CreatedAt = parseTimestamp(row[ColumnCreatedAt])
	rec.UpdatedAt = parseTimestamp(row[ColumnUpdatedAt])

	return rec, nil
}

// Row converts a Record back into table columns. The definition is written
// as a JSON string, the way the dashboard stores it.
func (r *Record) Row() map[string]any {
	row := map[string]any{
		ColumnName:   r.Name,
		ColumnActive: r.Active,
	}
	if r.Priority != nil {
		row[ColumnPriority] = *r.Priority
	} else {
		row[ColumnPriority] = nil
	}

	def := strings.TrimSpace(string(r.Definition))
	if strings.HasPrefix(def, `"`) {
		var inner string
		if err := json.Unmarshal(r.Definition, &inner); err == nil {
			def = inner
		}
	}
	row[ColumnRule] = def

	return row
}

func falseLike(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return !x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "false", "0", "nao", "não", "no", "inativo":
			return true
		}
		return false
	}
	if f, ok := asNumber(v); ok {
		return f == 0
	}
	return false
}

func parseTimestamp(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
