package database

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/checkpoint"
	"github.com/ponder-go/ponder/internal/dbconn"
	"github.com/ponder-go/ponder/internal/schema"
)

func testSchema(t *testing.T) schema.Schema {
	t.Helper()
	sc, err := schema.New([]schema.Table{
		{Name: "Pet", IDType: schema.ScalarString, Columns: []schema.Column{
			{Name: "name", Scalar: schema.ScalarString},
		}},
	}, nil)
	require.NoError(t, err)
	return sc
}

func openTestConn(t *testing.T) *dbconn.Conn {
	t.Helper()
	conn, err := dbconn.Open(context.Background(), dbconn.Config{Kind: dbconn.KindSQLite, ConnectionString: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSetupFreshReturnsZeroCheckpoint(t *testing.T) {
	conn := openTestConn(t)
	svc := New(conn, "public", Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	sc := testSchema(t)

	result, err := svc.Setup(context.Background(), sc, "build1")
	require.NoError(t, err)
	require.Equal(t, checkpoint.Encode(checkpoint.Zero), result.Checkpoint)
	require.NotNil(t, result.Store)

	require.NoError(t, svc.Kill(context.Background()))
}

func TestSetupWhileLockedFails(t *testing.T) {
	conn := openTestConn(t)
	sc := testSchema(t)

	svc1 := New(conn, "public", Config{LeaseTTL: time.Hour, HeartbeatInterval: time.Hour}, zerolog.Nop())
	_, err := svc1.Setup(context.Background(), sc, "build1")
	require.NoError(t, err)

	svc2 := New(conn, "public", Config{LeaseTTL: time.Hour, HeartbeatInterval: time.Hour}, zerolog.Nop())
	_, err = svc2.Setup(context.Background(), sc, "build2")
	require.Error(t, err)
	require.True(t, IsNamespaceLocked(err))

	require.NoError(t, svc1.Kill(context.Background()))
}

func TestSetupAfterExpiredLeaseReacquires(t *testing.T) {
	conn := openTestConn(t)
	sc := testSchema(t)

	svc1 := New(conn, "public", Config{LeaseTTL: 1 * time.Millisecond, HeartbeatInterval: time.Hour}, zerolog.Nop())
	_, err := svc1.Setup(context.Background(), sc, "build1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	svc2 := New(conn, "public", Config{LeaseTTL: time.Hour, HeartbeatInterval: time.Hour}, zerolog.Nop())
	result, err := svc2.Setup(context.Background(), sc, "build2")
	require.NoError(t, err)
	require.NotNil(t, result.Store)

	require.NoError(t, svc2.Kill(context.Background()))
}

func TestSetupReusesSameBuildAfterFinalization(t *testing.T) {
	conn := openTestConn(t)
	sc := testSchema(t)

	svc := New(conn, "public", Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	first, err := svc.Setup(context.Background(), sc, "build1")
	require.NoError(t, err)

	finalized := checkpoint.Encode(checkpoint.New(100, 1, 5, 0, 0))
	require.NoError(t, first.Store.Create(context.Background(), "Pet", "1", map[string]schema.Value{"name": {Str: "Rex"}}, finalized))
	require.NoError(t, svc.PromoteFinalized(context.Background(), finalized))
	require.NoError(t, svc.Kill(context.Background()))

	svc2 := New(conn, "public", Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	second, err := svc2.Setup(context.Background(), sc, "build1")
	require.NoError(t, err)
	require.Equal(t, finalized, second.Checkpoint)

	row, ok, err := second.Store.FindUnique(context.Background(), "Pet", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Rex", row.Data["name"].Str)

	require.NoError(t, svc2.Kill(context.Background()))
}

func TestSetupHydratesFromCacheOnRollbackToPriorBuild(t *testing.T) {
	conn := openTestConn(t)
	sc := testSchema(t)

	// Build X runs, finalizes a row, and gets cached.
	svcX := New(conn, "public", Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	resultX, err := svcX.Setup(context.Background(), sc, "buildX")
	require.NoError(t, err)
	finalizedX := checkpoint.Encode(checkpoint.New(100, 1, 5, 0, 0))
	require.NoError(t, resultX.Store.Create(context.Background(), "Pet", "1", map[string]schema.Value{"name": {Str: "Rex"}}, finalizedX))
	require.NoError(t, svcX.PromoteFinalized(context.Background(), finalizedX))
	require.NoError(t, svcX.Kill(context.Background()))

	// A redeploy switches to build Y; its own cache is empty so it starts
	// fresh. Killed without promoting, so it leaves no cache entry.
	svcY := New(conn, "public", Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	_, err = svcY.Setup(context.Background(), sc, "buildY")
	require.NoError(t, err)
	require.NoError(t, svcY.Kill(context.Background()))

	// Rolling back to build X: the lock's last recorded build is Y, so
	// this isn't the same-build-reuse branch, but build X's cache is
	// still present from the first run — Setup should hydrate fresh live
	// tables from it instead of starting from zero.
	svcX2 := New(conn, "public", Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	resultX2, err := svcX2.Setup(context.Background(), sc, "buildX")
	require.NoError(t, err)
	require.Equal(t, finalizedX, resultX2.Checkpoint)

	row, ok, err := resultX2.Store.FindUnique(context.Background(), "Pet", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Rex", row.Data["name"].Str)

	require.NoError(t, svcX2.Kill(context.Background()))
}
