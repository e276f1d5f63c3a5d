package dbconn

import (
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
)

type postgresDialect struct{}

func (postgresDialect) PlaceholderFormat() squirrel.PlaceholderFormat { return squirrel.Dollar }

func (postgresDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// BigIntColumnType stores checkpoint- and uint256-encoded values as
// NUMERIC(78) per spec.md §9 "BigInt encoding".
func (postgresDialect) BigIntColumnType() string { return "NUMERIC(78)" }

func (d postgresDialect) SchemaQualify(namespace, table string) string {
	return d.QuoteIdent(namespace) + "." + d.QuoteIdent(table)
}

func (d postgresDialect) UpsertSuffix(conflictCols, updateCols []string) string {
	return upsertSuffix(d, conflictCols, updateCols)
}

type sqliteDialect struct{}

func (sqliteDialect) PlaceholderFormat() squirrel.PlaceholderFormat { return squirrel.Question }

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// BigIntColumnType stores 256-bit integers as zero-padded decimal TEXT
// (fixed width, 79 characters) so byte-lex order equals numeric order, per
// spec.md §9.
func (sqliteDialect) BigIntColumnType() string { return "TEXT" }

func (d sqliteDialect) SchemaQualify(namespace, table string) string {
	// SQLite has no schemas; namespaces are folded into the table name.
	return d.QuoteIdent(namespace + "__" + table)
}

func (d sqliteDialect) UpsertSuffix(conflictCols, updateCols []string) string {
	return upsertSuffix(d, conflictCols, updateCols)
}

func upsertSuffix(d Dialect, conflictCols, updateCols []string) string {
	quoted := make([]string, len(conflictCols))
	for i, c := range conflictCols {
		quoted[i] = d.QuoteIdent(c)
	}
	if len(updateCols) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(quoted, ", "))
	}
	sets := make([]string, len(updateCols))
	for i, c := range updateCols {
		q := d.QuoteIdent(c)
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q, q)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(quoted, ", "), strings.Join(sets, ", "))
}
