package buildid

import "testing"

func TestComputeIsDeterministic(t *testing.T) {
	in := Input{
		ConfigSubset:   []string{"chainId=1", "startBlock=100"},
		SchemaColumns:  []string{"Pet.id:string", "Pet.name:string"},
		HandlerSources: map[string]string{"Deposit": "func Deposit() {}"},
		UpstreamIDs:    map[string]string{},
	}
	a := Compute(in)
	b := Compute(in)
	if a != b {
		t.Fatalf("Compute not deterministic: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16-char build id, got %d: %q", len(a), a)
	}
}

func TestComputeIgnoresSliceOrder(t *testing.T) {
	a := Compute(Input{ConfigSubset: []string{"a=1", "b=2"}})
	b := Compute(Input{ConfigSubset: []string{"b=2", "a=1"}})
	if a != b {
		t.Fatalf("expected order-independent hash, got %q != %q", a, b)
	}
}

func TestComputeChangesOnHandlerSourceChange(t *testing.T) {
	base := Input{HandlerSources: map[string]string{"Deposit": "func Deposit() {}"}}
	changed := Input{HandlerSources: map[string]string{"Deposit": "func Deposit() { /* v2 */ }"}}
	if Compute(base) == Compute(changed) {
		t.Fatal("expected different build id after handler source change")
	}
}

func TestComputeChangesOnSchemaChange(t *testing.T) {
	base := Input{SchemaColumns: []string{"Pet.id:string"}}
	changed := Input{SchemaColumns: []string{"Pet.id:string", "Pet.age:int"}}
	if Compute(base) == Compute(changed) {
		t.Fatal("expected different build id after schema change")
	}
}

func TestTableNameIsStableAndScopedByInputs(t *testing.T) {
	n1 := TableName("public", "abc123", "Pet")
	n2 := TableName("public", "abc123", "Pet")
	if n1 != n2 {
		t.Fatalf("expected stable table name, got %q != %q", n1, n2)
	}
	if len(n1) != 12 {
		t.Fatalf("expected 2-char prefix + 10 hex chars, got %d: %q", len(n1), n1)
	}
	n3 := TableName("public", "def456", "Pet")
	if n1 == n3 {
		t.Fatal("expected distinct table names for distinct build ids")
	}
}
