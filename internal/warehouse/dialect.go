package warehouse

import (
	"fmt"
	"strings"
)

// Dialect selects SQL syntax for the destination.
type Dialect string

const (
	DialectSnowflake Dialect = "snowflake"
	DialectPostgres  Dialect = "postgres"
)

type column struct {
	name string
	json bool
}

var columns = []column{
	{name: "MESSAGE_ID"},
	{name: "RUN_ID"},
	{name: "MAILBOX"},
	{name: "FOLDER"},
	{name: "SENDER"},
	{name: "SENDER_DOMAIN"},
	{name: "SUBJECT"},
	{name: "RECEIVED_AT"},
	{name: "IMAGE_URL"},
	{name: "IMAGE_KEY"},
	{name: "DEGRADED"},
	{name: "ATTRIBUTES", json: true},
	{name: "PROCESSING_STATUS"},
	{name: "ERRORS", json: true},
	{name: "ANALYZED_AT"},
}

// ParseDialect accepts the config spelling of a dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "snowflake":
		return DialectSnowflake, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unknown warehouse dialect %q", s)
}

// upsertSQL returns a single-row keyed upsert.
func (d Dialect) upsertSQL(table string) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}

	if d == DialectPostgres {
		values := make([]string, len(columns))
		sets := make([]string, 0, len(columns)-1)
		for i, c := range columns {
			values[i] = fmt.Sprintf("$%d", i+1)
			if c.json {
				values[i] += "::jsonb"
			}
			if i > 0 {
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
			}
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (MESSAGE_ID) DO UPDATE SET %s",
			table, strings.Join(names, ", "), strings.Join(values, ", "), strings.Join(sets, ", "))
	}

	selects := make([]string, len(columns))
	sets := make([]string, 0, len(columns)-1)
	inserts := make([]string, len(columns))
	for i, c := range columns {
		if c.json {
			selects[i] = "PARSE_JSON(?) AS " + c.name
		} else {
			selects[i] = "? AS " + c.name
		}
		if i > 0 {
			sets = append(sets, fmt.Sprintf("t.%s = s.%s", c.name, c.name))
		}
		inserts[i] = "s." + c.name
	}
	return fmt.Sprintf("MERGE INTO %s t USING (SELECT %s) s ON t.MESSAGE_ID = s.MESSAGE_ID "+
		"WHEN MATCHED THEN UPDATE SET %s "+
		"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		table, strings.Join(selects, ", "), strings.Join(sets, ", "),
		strings.Join(names, ", "), strings.Join(inserts, ", "))
}

// existingSQL selects stored ids among n candidates.
func (d Dialect) existingSQL(table string, n int) string {
	const where = "PROCESSING_STATUS IN ('success', 'partial')"
	if d == DialectPostgres {
		return fmt.Sprintf("SELECT MESSAGE_ID FROM %s WHERE %s AND MESSAGE_ID = ANY($1)", table, where)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	return fmt.Sprintf("SELECT MESSAGE_ID FROM %s WHERE %s AND MESSAGE_ID IN (%s)", table, where, marks)
}
