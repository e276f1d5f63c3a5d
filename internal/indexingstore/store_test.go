package indexingstore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/dbconn"
	"github.com/ponder-go/ponder/internal/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	conn, err := dbconn.Open(ctx, dbconn.Config{Kind: dbconn.KindSQLite, ConnectionString: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	sc, err := schema.New([]schema.Table{
		{Name: "Pet", IDType: schema.ScalarString, Columns: []schema.Column{
			{Name: "name", Scalar: schema.ScalarString},
			{Name: "age", Scalar: schema.ScalarInt, Optional: true},
		}},
	}, nil)
	require.NoError(t, err)

	tables := map[string]string{"Pet": "pet_live"}
	store := New(conn, sc, tables, zerolog.Nop())
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestCreateThenFindUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := map[string]schema.Value{"name": {Str: "Rex"}, "age": {Int: 3}}
	require.NoError(t, s.Create(ctx, "Pet", "1", data, "00000000000000000001"))

	row, ok, err := s.FindUnique(ctx, "Pet", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Rex", row.Data["name"].Str)
}

func TestCreateDuplicateFailsUniqueViolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := map[string]schema.Value{"name": {Str: "Rex"}}
	require.NoError(t, s.Create(ctx, "Pet", "1", data, "1"))
	err := s.Create(ctx, "Pet", "1", data, "2")
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err))
}

func TestUpdateMissingFailsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.Update(ctx, "Pet", "ghost", map[string]schema.Value{"name": {Str: "x"}}, "1")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestUpdateMergesPatchOntoExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "Pet", "1", map[string]schema.Value{"name": {Str: "Rex"}, "age": {Int: 3}}, "1"))
	require.NoError(t, s.Update(ctx, "Pet", "1", map[string]schema.Value{"age": {Int: 4}}, "2"))

	row, ok, err := s.FindUnique(ctx, "Pet", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Rex", row.Data["name"].Str)
	require.Equal(t, int64(4), row.Data["age"].Int)
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	create := map[string]schema.Value{"name": {Str: "Rex"}}
	update := map[string]schema.Value{"name": {Str: "Rex II"}}
	require.NoError(t, s.Upsert(ctx, "Pet", "1", create, update, "1"))
	row, _, _ := s.FindUnique(ctx, "Pet", "1")
	require.Equal(t, "Rex", row.Data["name"].Str)

	require.NoError(t, s.Upsert(ctx, "Pet", "1", create, update, "2"))
	row, _, _ = s.FindUnique(ctx, "Pet", "1")
	require.Equal(t, "Rex II", row.Data["name"].Str)
}

func TestDeleteThenFindUniqueMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "Pet", "1", map[string]schema.Value{"name": {Str: "Rex"}}, "1"))
	ok, err := s.Delete(ctx, "Pet", "1", "2")
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := s.FindUnique(ctx, "Pet", "1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCreateAfterDeleteResurrectsRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "Pet", "1", map[string]schema.Value{"name": {Str: "Rex"}}, "1"))
	_, err := s.Delete(ctx, "Pet", "1", "2")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "Pet", "1", map[string]schema.Value{"name": {Str: "Rex III"}}, "3"))

	row, ok, err := s.FindUnique(ctx, "Pet", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Rex III", row.Data["name"].Str)
}

func TestSchemaViolationRejectsUnknownColumn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.Create(ctx, "Pet", "1", map[string]schema.Value{"nickname": {Str: "x"}}, "1")
	require.Error(t, err)
	require.True(t, IsSchemaViolation(err))
}

func TestRevertRemovesRevisionsAboveCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "Pet", "1", map[string]schema.Value{"name": {Str: "Rex"}}, "00000000000000000001"))
	require.NoError(t, s.Update(ctx, "Pet", "1", map[string]schema.Value{"name": {Str: "Rex II"}}, "00000000000000000002"))
	require.NoError(t, s.Update(ctx, "Pet", "1", map[string]schema.Value{"name": {Str: "Rex III"}}, "00000000000000000003"))

	require.NoError(t, s.Revert(ctx, "Pet", "00000000000000000001"))

	row, ok, err := s.FindUnique(ctx, "Pet", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Rex", row.Data["name"].Str)
}

func TestFindManyPaginatesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.Create(ctx, "Pet", id, map[string]schema.Value{"name": {Str: "pet-" + id}}, "1"))
	}
	page, err := s.FindMany(ctx, "Pet", FindManyQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasNextPage)

	last := page.Items[len(page.Items)-1].ID
	page2, err := s.FindMany(ctx, "Pet", FindManyQuery{Limit: 2, After: &last})
	require.NoError(t, err)
	require.Len(t, page2.Items, 1)
	require.False(t, page2.HasNextPage)
}

func TestFindManyExcludesDeletedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "Pet", "1", map[string]schema.Value{"name": {Str: "Rex"}}, "1"))
	require.NoError(t, s.Create(ctx, "Pet", "2", map[string]schema.Value{"name": {Str: "Fido"}}, "1"))
	_, err := s.Delete(ctx, "Pet", "1", "2")
	require.NoError(t, err)

	page, err := s.FindMany(ctx, "Pet", FindManyQuery{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "2", page.Items[0].ID)
}
