package search

import (
	"fmt"
	"strings"
	"time"

	"github.com/driftsec/warden/pkg/models"
)

// timeFormat renders window bounds the way the store's date parser expects.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Timebox rewrites a rule query so the store only considers events with
// from <= @timestamp < to. The rewrite is dialect-specific; the rule text
// itself never carries time bounds.
func Timebox(dialect models.Dialect, query string, from, to time.Time) (string, error) {
	switch dialect {
	case models.DialectKQL:
		return timeboxKQL(query, from, to), nil
	case models.DialectESQL:
		return timeboxESQL(query, from, to), nil
	default:
		return "", fmt.Errorf("unknown query dialect %q", dialect)
	}
}

// timeboxKQL conjoins a Lucene range with a right-open upper bound: `]` would
// include events stamped exactly at the window end and double-count them in
// the next run.
func timeboxKQL(query string, from, to time.Time) string {
	window := fmt.Sprintf("@timestamp:[%s TO %s}",
		from.UTC().Format(timeFormat), to.UTC().Format(timeFormat))
	query = strings.TrimSpace(query)
	if query == "" {
		return window
	}
	return fmt.Sprintf("(%s) AND %s", query, window)
}

// timeboxESQL splices a WHERE stage over @timestamp into the pipe. When the
// query itself works with @timestamp the stage goes directly after the source
// command, before any stage that could transform or drop the column; plain
// queries get the filter appended, which is equivalent and keeps the rule
// text readable in logs.
func timeboxESQL(query string, from, to time.Time) string {
	where := fmt.Sprintf(`WHERE @timestamp >= "%s" AND @timestamp < "%s"`,
		from.UTC().Format(timeFormat), to.UTC().Format(timeFormat))

	query = strings.TrimSpace(query)
	if !strings.Contains(query, "@timestamp") {
		return query + " | " + where
	}

	segments := strings.Split(query, "|")
	var b strings.Builder
	b.WriteString(strings.TrimSpace(segments[0]))
	b.WriteString(" | ")
	b.WriteString(where)
	for _, seg := range segments[1:] {
		b.WriteString(" | ")
		b.WriteString(strings.TrimSpace(seg))
	}
	return b.String()
}
