package schema

import "fmt"

// Value is a tagged sum type matching one column's runtime value. Exactly
// one of the typed fields is meaningful, chosen by Kind.
type Value struct {
	Kind   Scalar // or the owning column's Enum name, stored as ScalarString-shaped string comparison
	IsEnum bool
	IsList bool
	Null   bool

	Str  string  // ScalarString, ScalarBytes (hex), enum member, reference id
	Int  int64   // ScalarInt
	Big  string  // ScalarBigInt, decimal string
	Flt  float64 // ScalarFloat
	Bool bool    // ScalarBoolean
	List []Value // when IsList
}

// ValidateRow checks a write's column values against the table definition.
// Reference existence is intentionally not enforced here (advisory only,
// per the schema's cyclic-reference design) but an unresolved reference
// still has its shape checked.
func (s Schema) ValidateRow(tableName string, values map[string]Value) error {
	table, ok := s.Tables[tableName]
	if !ok {
		return fmt.Errorf("schema: unknown table %q", tableName)
	}
	byName := make(map[string]Column, len(table.Columns))
	for _, c := range table.Columns {
		byName[c.Name] = c
	}
	for name, v := range values {
		col, ok := byName[name]
		if !ok {
			return fmt.Errorf("schema: %s has no column %q", tableName, name)
		}
		if err := s.validateValue(tableName, col, v); err != nil {
			return err
		}
	}
	return nil
}

func (s Schema) validateValue(tableName string, col Column, v Value) error {
	if v.Null {
		if !col.Optional {
			return fmt.Errorf("schema: %s.%s is not optional, got null", tableName, col.Name)
		}
		return nil
	}
	if col.List != v.IsList {
		return fmt.Errorf("schema: %s.%s: list mismatch", tableName, col.Name)
	}
	if v.IsList {
		for _, elem := range v.List {
			single := col
			single.List = false
			if err := s.validateValue(tableName, single, elem); err != nil {
				return err
			}
		}
		return nil
	}
	switch {
	case col.Enum != "":
		enum := s.Enums[col.Enum]
		for _, m := range enum.Members {
			if m == v.Str {
				return nil
			}
		}
		return fmt.Errorf("schema: %s.%s: %q is not a member of enum %s", tableName, col.Name, v.Str, col.Enum)
	case col.Reference != "":
		if v.Str == "" {
			return fmt.Errorf("schema: %s.%s: reference value must not be empty", tableName, col.Name)
		}
		return nil
	default:
		return validateScalar(tableName, col, v)
	}
}

func validateScalar(tableName string, col Column, v Value) error {
	switch col.Scalar {
	case ScalarString, ScalarBytes:
		return nil // any Str value is acceptable shape-wise
	case ScalarInt:
		return nil
	case ScalarBigInt:
		if v.Big == "" {
			return fmt.Errorf("schema: %s.%s: bigint value must not be empty", tableName, col.Name)
		}
		return nil
	case ScalarFloat, ScalarBoolean:
		return nil
	default:
		return fmt.Errorf("schema: %s.%s: unreachable scalar %q", tableName, col.Name, col.Scalar)
	}
}
