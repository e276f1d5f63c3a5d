// Package buildid computes the content hash that identifies one
// reproducible build of the indexing engine: the same config, schema, and
// handler source always yields the same build ID, so a redeploy of
// unchanged code reuses its live tables instead of resyncing from
// scratch, while any change to config, schema, or handler logic produces
// a fresh ID and fresh tables.
package buildid

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Input is the full set of content that determines a build's identity.
// Fields are hashed in a fixed, field-stable order so the resulting ID
// depends only on content, never on map iteration or struct layout.
type Input struct {
	// ConfigSubset is the config.Config fields that affect
	// indexed results (networks, contracts, startBlock) rendered as stable
	// key=value lines by the caller; unrelated options (polling interval,
	// maxConcurrency) are deliberately excluded since they don't change
	// what gets indexed.
	ConfigSubset []string
	// SchemaColumns is one line per (table, column) describing its type,
	// in table-then-column sorted order.
	SchemaColumns []string
	// HandlerSources is the resolved source text of every registered
	// handler function, keyed by handler name.
	HandlerSources map[string]string
	// UpstreamIDs is, per handler, the build ID of any upstream build this
	// handler's output was derived from (set only when chaining builds);
	// empty for a ground-up build.
	UpstreamIDs map[string]string
}

// Compute derives the build ID from Input. The result is the first 16 hex
// characters (64 bits) of a SHA-256 digest over a canonical, sorted
// serialization of every field — short enough to embed in a table name,
// long enough that accidental collisions are not a practical concern.
func Compute(in Input) string {
	var b strings.Builder

	writeSortedLines(&b, "config", in.ConfigSubset)
	writeSortedLines(&b, "schema", in.SchemaColumns)
	writeSortedMap(&b, "handler", in.HandlerSources)
	writeSortedMap(&b, "upstream", in.UpstreamIDs)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func writeSortedLines(b *strings.Builder, section string, lines []string) {
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)
	b.WriteString(section)
	b.WriteByte('\n')
	for _, l := range sorted {
		b.WriteString(l)
		b.WriteByte('\n')
	}
}

func writeSortedMap(b *strings.Builder, section string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString(section)
	b.WriteByte('\n')
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte('\n')
	}
}

// TableName derives the physical table name for (namespace, buildId,
// tableName): a stable content hash of all three, prefixed with "p_" so
// the name is always a valid unquoted SQL identifier regardless of what
// hex digits it starts with, truncated to 10 hex characters as spec.md
// §6 requires.
func TableName(namespace, buildID, tableName string) string {
	sum := sha256.Sum256([]byte(namespace + "|" + buildID + "|" + tableName))
	return "p_" + hex.EncodeToString(sum[:])[:10]
}
