package schema

// Call is one indexing-store call a handler makes during static analysis,
// used to derive a HandlerSpec's reads/writes sets.
type Call struct {
	Table  string
	Method Method
}

// DeriveSpec folds a handler's store calls into its reads/writes sets per
// the fixed store-method classification.
func DeriveSpec(name string, calls []Call) HandlerSpec {
	reads := make(map[string]bool)
	writes := make(map[string]bool)
	for _, c := range calls {
		if c.Method.IsRead() {
			reads[c.Table] = true
		}
		if c.Method.IsWrite() {
			writes[c.Table] = true
		}
	}
	return HandlerSpec{Name: name, Reads: setToSlice(reads), Writes: setToSlice(writes)}
}

func setToSlice(s map[string]bool) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
