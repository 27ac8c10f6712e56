package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ExportFormat selects the export encoding.
type ExportFormat string

// Supported export formats.
const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// ParseExportFormat validates a requested format. Empty means JSON.
func ParseExportFormat(raw string) (ExportFormat, bool) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatJSON:
		return FormatJSON, true
	case FormatCSV:
		return FormatCSV, true
	default:
		return "", false
	}
}

// ContentType returns the MIME type of the format.
func (f ExportFormat) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Filename returns the attachment name for an export produced at t.
func (f ExportFormat) Filename(t time.Time) string {
	return fmt.Sprintf("audit-%s.%s", t.UTC().Format("20060102-150405"), f)
}

var csvHeader = []string{
	"id", "created_at", "actor_user_id", "tenant_id", "target_table",
	"target_id", "action", "source_address", "previous_state", "new_state",
}

// WriteCSV writes a header row and one line per record. Every field is
// double-quoted, embedded quotes are doubled.
func WriteCSV(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	if err := writeCSVLine(bw, csvHeader); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writeCSVLine(bw, csvFields(rec)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteJSON writes records as a JSON array.
func WriteJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	return json.NewEncoder(w).Encode(records)
}

func csvFields(rec Record) []string {
	return []string{
		strconv.FormatInt(rec.ID, 10),
		rec.CreatedAt.UTC().Format(time.RFC3339),
		optionalInt(rec.ActorUserID),
		optionalInt(rec.TenantID),
		rec.TargetTable,
		optionalString(rec.TargetID),
		string(rec.Action),
		optionalString(rec.SourceAddress),
		string(rec.PreviousState),
		string(rec.NewState),
	}
}

func writeCSVLine(w *bufio.Writer, fields []string) error {
	for i, field := range fields {
		if i > 0 {
			if err := w.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := w.WriteString(`"` + strings.ReplaceAll(field, `"`, `""`) + `"`); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

func optionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optionalString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
