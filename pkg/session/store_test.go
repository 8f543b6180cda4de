package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisdennis/calcite-avatica/pkg/engine"
	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

// fakeEngine records connection lifecycle and property flushes

type fakeEngine struct {
	mu    sync.Mutex
	conns []*fakeConn
}

type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	applied []engine.Props
}

func (f *fakeEngine) Connect(ctx context.Context, info map[string]string) (engine.Conn, error) {
	c := &fakeConn{}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeEngine) Version() string               { return "fake-1.0" }
func (f *fakeEngine) Properties() map[string]string { return map[string]string{} }
func (f *fakeEngine) Close() error                  { return nil }

func (c *fakeConn) Prepare(ctx context.Context, query string) (engine.Stmt, error) {
	return &fakeStmt{}, nil
}

func (c *fakeConn) Schemas(ctx context.Context, catalog, schemaPattern string) (engine.Cursor, error) {
	return &engine.SliceCursor{}, nil
}

func (c *fakeConn) Tables(ctx context.Context, catalog, schemaPattern, tablePattern string, typeList []string) (engine.Cursor, error) {
	return &engine.SliceCursor{}, nil
}

func (c *fakeConn) Columns(ctx context.Context, catalog, schemaPattern, tablePattern, columnPattern string) (engine.Cursor, error) {
	return &engine.SliceCursor{}, nil
}

func (c *fakeConn) TypeInfo(ctx context.Context) (engine.Cursor, error) {
	return &engine.SliceCursor{}, nil
}

func (c *fakeConn) Catalogs(ctx context.Context) (engine.Cursor, error) {
	return &engine.SliceCursor{}, nil
}

func (c *fakeConn) TableTypes(ctx context.Context) (engine.Cursor, error) {
	return &engine.SliceCursor{}, nil
}

func (c *fakeConn) ApplyProps(ctx context.Context, props engine.Props) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, props)
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error   { return nil }
func (c *fakeConn) Rollback(ctx context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) appliedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

type fakeStmt struct{ closed bool }

func (s *fakeStmt) Signature() ([]typedvalue.ColumnMetaData, []typedvalue.Parameter) {
	return nil, nil
}

func (s *fakeStmt) Execute(ctx context.Context, args []typedvalue.TypedValue, maxRows int64) ([]engine.Result, error) {
	return []engine.Result{{UpdateCount: 0}}, nil
}

func (s *fakeStmt) Close() error {
	s.closed = true
	return nil
}

func newTestStore(t *testing.T, opts Options) (*Store, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{}
	store := NewStore(eng, opts)
	t.Cleanup(store.Close)
	return store, eng
}

func TestOpenConnectionIdempotent(t *testing.T) {
	store, eng := newTestStore(t, Options{})
	ctx := context.Background()

	info := map[string]string{"user": "alice"}
	require.NoError(t, store.OpenConnection(ctx, "c1", info))
	// identical properties: idempotent, no second engine connection
	require.NoError(t, store.OpenConnection(ctx, "c1", info))
	assert.Len(t, eng.conns, 1)

	// differing properties: rejected
	err := store.OpenConnection(ctx, "c1", map[string]string{"user": "bob"})
	assert.ErrorIs(t, err, ErrConnectionExists)
}

func TestCloseConnectionReleasesStatements(t *testing.T) {
	store, eng := newTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, store.OpenConnection(ctx, "c1", nil))

	err := store.WithConnection(ctx, "c1", false, func(ctx context.Context, c *Connection) error {
		store.CreateStatement(c)
		store.CreateStatement(c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.Diagnostics().StatementCountFor("c1"))

	require.NoError(t, store.CloseConnection(ctx, "c1"))
	assert.Equal(t, 0, store.Diagnostics().StatementCountFor("c1"))
	assert.True(t, eng.conns[0].isClosed())

	// closing again is idempotent
	require.NoError(t, store.CloseConnection(ctx, "c1"))

	_, err = store.GetConnection("c1")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestStatementIDsMonotonic(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, store.OpenConnection(ctx, "c1", nil))

	var ids []uint32
	err := store.WithConnection(ctx, "c1", false, func(ctx context.Context, c *Connection) error {
		first := store.CreateStatement(c)
		second := store.CreateStatement(c)
		ids = append(ids, first.Key.StatementID, second.Key.StatementID)
		store.CloseStatement(c, first.Key)
		third := store.CreateStatement(c)
		ids = append(ids, third.Key.StatementID)
		return nil
	})
	require.NoError(t, err)
	// ids never reused, even after a close
	assert.Equal(t, []uint32{1, 2, 3}, ids)
}

func TestDirtyPropertyFlush(t *testing.T) {
	store, eng := newTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, store.OpenConnection(ctx, "c1", nil))

	off := false
	view, err := store.ApplyClientProps("c1", engine.Props{AutoCommit: &off})
	require.NoError(t, err)
	assert.True(t, view.Dirty)
	assert.False(t, view.AutoCommit)

	// the mutation has not touched the engine yet
	assert.Equal(t, 0, eng.conns[0].appliedCount())
	dirty, ok := store.Diagnostics().ConnectionDirty("c1")
	require.True(t, ok)
	assert.True(t, dirty)

	// a control-plane operation leaves it pending
	require.NoError(t, store.WithConnection(ctx, "c1", false, func(ctx context.Context, c *Connection) error {
		return nil
	}))
	assert.Equal(t, 0, eng.conns[0].appliedCount())

	// the next data-plane operation flushes, then clears the bit
	require.NoError(t, store.WithConnection(ctx, "c1", true, func(ctx context.Context, c *Connection) error {
		return nil
	}))
	assert.Equal(t, 1, eng.conns[0].appliedCount())
	dirty, _ = store.Diagnostics().ConnectionDirty("c1")
	assert.False(t, dirty)

	// with nothing pending, a further data-plane operation does not flush again
	require.NoError(t, store.WithConnection(ctx, "c1", true, func(ctx context.Context, c *Connection) error {
		return nil
	}))
	assert.Equal(t, 1, eng.conns[0].appliedCount())
}

func TestNoOpPropertyChangeStaysClean(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, store.OpenConnection(ctx, "c1", nil))

	// autocommit already defaults to true
	on := true
	view, err := store.ApplyClientProps("c1", engine.Props{AutoCommit: &on})
	require.NoError(t, err)
	assert.False(t, view.Dirty)
}

func TestLRUEvictionClosesResources(t *testing.T) {
	store, eng := newTestStore(t, Options{MaxConnections: 2})
	ctx := context.Background()

	require.NoError(t, store.OpenConnection(ctx, "c1", nil))
	require.NoError(t, store.OpenConnection(ctx, "c2", nil))
	require.NoError(t, store.OpenConnection(ctx, "c3", nil))

	assert.Equal(t, 2, store.Diagnostics().ConnectionCount())
	// c1 was least recently used; its engine resource closes asynchronously
	assert.Eventually(t, func() bool {
		return eng.conns[0].isClosed()
	}, 2*time.Second, 10*time.Millisecond)

	_, err := store.GetConnection("c1")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	_, err = store.GetConnection("c3")
	assert.NoError(t, err)
}

func TestIdleExpiry(t *testing.T) {
	store, eng := newTestStore(t, Options{ConnectionIdle: 50 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, store.OpenConnection(ctx, "c1", nil))

	assert.Eventually(t, func() bool {
		_, err := store.GetConnection("c1")
		return err != nil && eng.conns[0].isClosed()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestImpersonationBoundary(t *testing.T) {
	var gotUser, gotAddr string
	calls := 0
	opts := Options{
		Delegation: func(ctx context.Context, user, remoteAddr string, action func(context.Context) error) error {
			gotUser = user
			gotAddr = remoteAddr
			calls++
			return action(ctx)
		},
	}
	store, _ := newTestStore(t, opts)
	ctx := WithIdentity(context.Background(), "alice", "10.0.0.7:4242")
	require.NoError(t, store.OpenConnection(ctx, "c1", nil))

	// data-plane operations run inside the delegated context
	require.NoError(t, store.WithConnection(ctx, "c1", true, func(ctx context.Context, c *Connection) error {
		return nil
	}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "10.0.0.7:4242", gotAddr)

	// control-plane operations bypass the boundary
	require.NoError(t, store.WithConnection(ctx, "c1", false, func(ctx context.Context, c *Connection) error {
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestStatementCancelFlag(t *testing.T) {
	store, _ := newTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, store.OpenConnection(ctx, "c1", nil))

	var st *Statement
	require.NoError(t, store.WithConnection(ctx, "c1", false, func(ctx context.Context, c *Connection) error {
		st = store.CreateStatement(c)
		return nil
	}))
	assert.Equal(t, StmtIdle, st.State())
	st.Cancel()
	assert.Equal(t, StmtCanceled, st.State())
	assert.True(t, st.Canceled())
	st.ClearCanceled()
	assert.Equal(t, StmtIdle, st.State())
}
