package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Account erasure is a single DELETE on users; every user-owned table must
// cascade or rows survive with dangling user ids.
func TestInitSchemaCascadesUserOwnedRows(t *testing.T) {
	raw, err := FS.ReadFile("0001_init.sql")
	require.NoError(t, err)
	schema := string(raw)

	owned := []string{
		"refresh_tokens",
		"revoked_jtis",
		"subscriptions",
		"subscription_events",
		"journal_entries",
		"audit_logs",
	}
	for _, table := range owned {
		ddl := tableDDL(t, schema, table)
		assert.Contains(t, ddl, "REFERENCES users(id) ON DELETE CASCADE",
			"table %s must cascade on user deletion", table)
	}
}

func tableDDL(t *testing.T, schema, table string) string {
	t.Helper()
	marker := "CREATE TABLE IF NOT EXISTS " + table + " ("
	start := strings.Index(schema, marker)
	require.GreaterOrEqual(t, start, 0, "table %s not found in schema", table)
	rest := schema[start:]
	end := strings.Index(rest, ");")
	require.GreaterOrEqual(t, end, 0)
	return rest[:end]
}
