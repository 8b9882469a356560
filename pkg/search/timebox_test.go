package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsec/warden/pkg/models"
)

func TestTimebox(t *testing.T) {
	from := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 25, 10, 5, 0, 0, time.UTC)

	tests := []struct {
		name    string
		dialect models.Dialect
		query   string
		want    string
	}{
		{
			name:    "kql wraps query and appends right-open range",
			dialect: models.DialectKQL,
			query:   `process.name:psexec.exe AND user.name:svc*`,
			want:    `(process.name:psexec.exe AND user.name:svc*) AND @timestamp:[2026-08-25T10:00:00.000Z TO 2026-08-25T10:05:00.000Z}`,
		},
		{
			name:    "kql empty query becomes bare range",
			dialect: models.DialectKQL,
			query:   "  ",
			want:    `@timestamp:[2026-08-25T10:00:00.000Z TO 2026-08-25T10:05:00.000Z}`,
		},
		{
			name:    "esql without timestamp reference appends filter",
			dialect: models.DialectESQL,
			query:   `FROM warden-events-* | WHERE process.name == "psexec.exe"`,
			want:    `FROM warden-events-* | WHERE process.name == "psexec.exe" | WHERE @timestamp >= "2026-08-25T10:00:00.000Z" AND @timestamp < "2026-08-25T10:05:00.000Z"`,
		},
		{
			name:    "esql with timestamp reference filters right after source",
			dialect: models.DialectESQL,
			query:   `FROM warden-events-* | STATS logons = COUNT(*) BY user.name, @timestamp | WHERE logons > 5`,
			want:    `FROM warden-events-* | WHERE @timestamp >= "2026-08-25T10:00:00.000Z" AND @timestamp < "2026-08-25T10:05:00.000Z" | STATS logons = COUNT(*) BY user.name, @timestamp | WHERE logons > 5`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Timebox(tt.dialect, tt.query, from, to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimeboxUnknownDialect(t *testing.T) {
	_, err := Timebox("sql", "SELECT 1", time.Now(), time.Now())
	assert.Error(t, err)
}

func TestTimeboxNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CEST", 2*3600)
	from := time.Date(2026, 8, 25, 12, 0, 0, 0, loc)
	to := time.Date(2026, 8, 25, 12, 5, 0, 0, loc)

	got, err := Timebox(models.DialectKQL, "", from, to)
	require.NoError(t, err)
	assert.Equal(t, `@timestamp:[2026-08-25T10:00:00.000Z TO 2026-08-25T10:05:00.000Z}`, got)
}
