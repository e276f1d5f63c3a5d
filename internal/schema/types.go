// Package schema parses the user's table/enum definitions, validates them,
// and derives the handler dependency graph that the scheduler executes
// against. None of this is chain-specific; it is pure metadata.
package schema

import (
	"fmt"
	"regexp"
)

// Scalar is a column's primitive value type.
type Scalar string

const (
	ScalarString  Scalar = "string"
	ScalarBigInt  Scalar = "bigint"
	ScalarInt     Scalar = "int"
	ScalarFloat   Scalar = "float"
	ScalarBoolean Scalar = "boolean"
	ScalarBytes   Scalar = "bytes"
)

var validScalars = map[Scalar]bool{
	ScalarString: true, ScalarBigInt: true, ScalarInt: true,
	ScalarFloat: true, ScalarBoolean: true, ScalarBytes: true,
}

// nameRE is the identifier pattern every table, column, and enum name must
// match.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Column is one field of a table.
type Column struct {
	Name      string
	Scalar    Scalar // empty when Enum or Reference is set
	Enum      string // references an Enum by name, mutually exclusive with Scalar/Reference
	Reference string // "OtherTable.id", mutually exclusive with Scalar/Enum
	Optional  bool
	List      bool
}

// Table is one entry of the user schema. The id column is implicit:
// every table has exactly one, named "id", typed IDType, non-optional,
// non-list, non-reference.
type Table struct {
	Name    string
	IDType  Scalar // must be one of string, bigint, int, bytes
	Columns []Column
}

// Enum is a closed set of string values.
type Enum struct {
	Name    string
	Members []string
}

// Schema is the full validated `{tableName -> table|enum}` mapping.
type Schema struct {
	Tables map[string]Table
	Enums  map[string]Enum
}

var validIDTypes = map[Scalar]bool{
	ScalarString: true, ScalarBigInt: true, ScalarInt: true, ScalarBytes: true,
}

// New validates tables and enums and assembles a Schema, or returns the
// first violation found. Validation order: names, id columns, then
// per-column type references (so a column referencing an unknown table
// or enum is caught after structural shape is known to be sound).
func New(tables []Table, enums []Enum) (Schema, error) {
	s := Schema{Tables: make(map[string]Table, len(tables)), Enums: make(map[string]Enum, len(enums))}

	for _, e := range enums {
		if !nameRE.MatchString(e.Name) {
			return Schema{}, fmt.Errorf("schema: enum name %q must match %s", e.Name, nameRE)
		}
		seen := make(map[string]bool, len(e.Members))
		for _, m := range e.Members {
			if seen[m] {
				return Schema{}, fmt.Errorf("schema: enum %s has duplicate member %q", e.Name, m)
			}
			seen[m] = true
		}
		if _, dup := s.Enums[e.Name]; dup {
			return Schema{}, fmt.Errorf("schema: enum %s defined twice", e.Name)
		}
		s.Enums[e.Name] = e
	}

	for _, t := range tables {
		if !nameRE.MatchString(t.Name) {
			return Schema{}, fmt.Errorf("schema: table name %q must match %s", t.Name, nameRE)
		}
		if !validIDTypes[t.IDType] {
			return Schema{}, fmt.Errorf("schema: table %s has invalid id type %q", t.Name, t.IDType)
		}
		if _, dup := s.Tables[t.Name]; dup {
			return Schema{}, fmt.Errorf("schema: table %s defined twice", t.Name)
		}
		s.Tables[t.Name] = t
	}

	for _, t := range tables {
		for _, c := range t.Columns {
			if err := validateColumn(t.Name, c); err != nil {
				return Schema{}, err
			}
		}
	}

	for _, t := range tables {
		for _, c := range t.Columns {
			if err := s.resolveColumn(t.Name, c); err != nil {
				return Schema{}, err
			}
		}
	}

	return s, nil
}

func validateColumn(table string, c Column) error {
	if !nameRE.MatchString(c.Name) {
		return fmt.Errorf("schema: column %s.%s must match %s", table, c.Name, nameRE)
	}
	kinds := 0
	if c.Scalar != "" {
		kinds++
	}
	if c.Enum != "" {
		kinds++
	}
	if c.Reference != "" {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("schema: column %s.%s must have exactly one of scalar/enum/reference", table, c.Name)
	}
	if c.Scalar != "" && !validScalars[c.Scalar] {
		return fmt.Errorf("schema: column %s.%s has unknown scalar %q", table, c.Name, c.Scalar)
	}
	if c.Reference != "" && c.List {
		return fmt.Errorf("schema: column %s.%s: list + reference is not allowed", table, c.Name)
	}
	return nil
}

// resolveColumn checks that enum/reference columns point at something that
// actually exists, and that a reference targets the id column. A reference
// column has no scalar type of its own, so no type is compared with the
// target table's id type.
func (s Schema) resolveColumn(table string, c Column) error {
	if c.Enum != "" {
		if _, ok := s.Enums[c.Enum]; !ok {
			return fmt.Errorf("schema: column %s.%s references unknown enum %q", table, c.Name, c.Enum)
		}
		return nil
	}
	if c.Reference != "" {
		targetTable, targetCol, err := splitReference(c.Reference)
		if err != nil {
			return fmt.Errorf("schema: column %s.%s: %w", table, c.Name, err)
		}
		target, ok := s.Tables[targetTable]
		if !ok {
			return fmt.Errorf("schema: column %s.%s references unknown table %q", table, c.Name, targetTable)
		}
		if targetCol != "id" {
			return fmt.Errorf("schema: column %s.%s: references must point at an id column, got %q", table, c.Name, targetCol)
		}
		_ = target
		return nil
	}
	return nil
}

func splitReference(ref string) (table, column string, err error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("reference %q must be of the form Table.id", ref)
}
