package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lavente/identity-core/internal/corestore"
)

// Format selects Export's output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

var csvHeader = []string{
	"id", "eventType", "timestamp", "actorId", "actorType",
	"targetId", "targetType", "result", "realmId", "sessionId", "metadata",
}

// Export renders the events matching f in the requested format. JSON is a
// pretty-printed array; CSV carries a fixed header with the metadata column
// JSON-encoded and quoted.
func (p *Pipeline) Export(ctx context.Context, f corestore.AuditFilter, format Format) ([]byte, error) {
	events, err := p.store.QueryAuditEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("export audit events: %w", err)
	}
	switch format {
	case FormatCSV:
		return exportCSV(events)
	default:
		return exportJSON(events)
	}
}

func exportJSON(events []corestore.AuditEvent) ([]byte, error) {
	out, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal audit events: %w", err)
	}
	return out, nil
}

func exportCSV(events []corestore.AuditEvent) ([]byte, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range events {
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			metaJSON = []byte("{}")
		}
		row := []string{
			e.ID.String(),
			e.EventType,
			e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			uuidOrEmpty(e.ActorID),
			string(e.ActorType),
			uuidOrEmpty(e.TargetID),
			stringPtrOrEmpty(e.TargetType),
			string(e.Result),
			e.Realm,
			uuidOrEmpty(e.SessionID),
			string(metaJSON),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func uuidOrEmpty(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func stringPtrOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
