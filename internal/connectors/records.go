package connectors

import (
	"fmt"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-federator/internal/models"
)

const (
	defaultIDField      = "id"
	defaultUpdatedField = "updated_at"
)

// recordMapper turns generic rows into records using the endpoint's field options.
type recordMapper struct {
	idField      string
	updatedField string
}

func mapperFor(ep models.Endpoint) recordMapper {
	return recordMapper{
		idField:      option(ep, "id_field", defaultIDField),
		updatedField: option(ep, "updated_field", defaultUpdatedField),
	}
}

func (m recordMapper) record(row map[string]any) models.Record {
	rec := models.Record{Fields: make(map[string]any, len(row))}
	for k, v := range row {
		switch k {
		case m.idField:
			rec.EntityID = stringify(v)
		case m.updatedField:
			rec.UpdatedAt = parseTime(v)
		default:
			rec.Fields[k] = v
		}
	}
	return rec
}

func (m recordMapper) records(rows []map[string]any, limit int) []models.Record {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, m.record(row))
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
		if secs, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	case []byte:
		return parseTime(string(t))
	case int64:
		return time.Unix(t, 0).UTC()
	case int:
		return time.Unix(int64(t), 0).UTC()
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}
