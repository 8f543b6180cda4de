// Package session owns the server-side session objects: capacity-bounded,
// idle-expiring caches of live engine connections and statements. The
// store is the exclusive owner of engine resources; callers hold only
// identifiers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/chrisdennis/calcite-avatica/pkg/common/logger"
	"github.com/chrisdennis/calcite-avatica/pkg/engine"
	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

var (
	// ErrConnectionNotFound reports an unknown or evicted connection id
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrConnectionExists reports an OpenConnection id collision
	ErrConnectionExists = errors.New("connection already exists")
	// ErrStatementNotFound reports an unknown or evicted statement id
	ErrStatementNotFound = errors.New("statement not found")
	// ErrConnectionClosed reports use of a closed connection
	ErrConnectionClosed = errors.New("connection is closed")
)

// DelegationFunc establishes an authorization context for one data-plane
// action on behalf of the authenticated remote user. The store never caches
// credentials; only connection identifiers.
type DelegationFunc func(ctx context.Context, user, remoteAddr string, action func(context.Context) error) error

// Options bounds the session caches
type Options struct {
	MaxConnections int
	MaxStatements  int
	ConnectionIdle time.Duration
	StatementIdle  time.Duration
	Delegation     DelegationFunc
}

// DefaultOptions returns the default cache bounds
func DefaultOptions() Options {
	return Options{
		MaxConnections: 1000,
		MaxStatements:  10000,
		ConnectionIdle: 10 * time.Minute,
		StatementIdle:  10 * time.Minute,
	}
}

// ConnState is the lifecycle state of a connection
type ConnState int

const (
	// ConnOpen is the initial, autocommitting state
	ConnOpen ConnState = iota
	// ConnTransactional is reached once autocommit is off
	ConnTransactional
	// ConnClosed is terminal
	ConnClosed
)

// StmtState is the lifecycle state of a statement
type StmtState int

const (
	// StmtIdle is the initial state
	StmtIdle StmtState = iota
	// StmtExecuting is transient during an engine execute
	StmtExecuting
	// StmtHasCursor marks a retained server-side cursor
	StmtHasCursor
	// StmtCanceled marks a cursor canceled out-of-band
	StmtCanceled
	// StmtClosed is terminal
	StmtClosed
)

// StatementKey identifies a statement within the store
type StatementKey struct {
	ConnectionID string
	StatementID  uint32
}

// Connection is one live session against the engine. All operations on a
// connection or its child statements serialize on its mutex.
type Connection struct {
	ID string

	mu     sync.Mutex
	eng    engine.Conn
	info   map[string]string
	state  ConnState
	stmts  map[uint32]struct{}
	nextID uint32

	// client-visible property view plus the dirty bit
	autoCommit bool
	readOnly   bool
	isolation  int32
	catalog    *string
	schema     *string
	dirty      bool
	// pending property overrides not yet flushed to the engine
	pending engine.Props
}

// PropertyView is the client-visible snapshot of connection properties
type PropertyView struct {
	AutoCommit           bool
	ReadOnly             bool
	TransactionIsolation int32
	Catalog              *string
	Schema               *string
	Dirty                bool
}

// Cursor is a server-held iterator bound to a statement. Position is
// absolute and forward-only.
type Cursor struct {
	cur engine.Cursor
	pos int64
}

// Statement is one prepared or ad-hoc statement owned by a connection
type Statement struct {
	Key         StatementKey
	SQL         string
	MaxRowCount int64
	Columns     []typedvalue.ColumnMetaData
	Params      []typedvalue.Parameter

	eng    engine.Stmt
	state  StmtState
	cursor *Cursor
	// canceled is set out-of-band, without the connection mutex, and
	// observed at the next row boundary
	canceled atomic.Bool
}

// Store is the session store: LRU caches with idle expiry for connections
// and statements, an optional impersonation boundary, and a diagnostics
// surface for tests.
type Store struct {
	opts  Options
	eng   engine.Engine
	conns *lru.LRU[string, *Connection]
	stmts *lru.LRU[StatementKey, *Statement]
}

// NewStore builds a session store over the given engine
func NewStore(eng engine.Engine, opts Options) *Store {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultOptions().MaxConnections
	}
	if opts.MaxStatements <= 0 {
		opts.MaxStatements = DefaultOptions().MaxStatements
	}
	s := &Store{opts: opts, eng: eng}
	s.conns = lru.NewLRU[string, *Connection](opts.MaxConnections, s.onConnEvict, opts.ConnectionIdle)
	s.stmts = lru.NewLRU[StatementKey, *Statement](opts.MaxStatements, s.onStmtEvict, opts.StatementIdle)
	return s
}

// onConnEvict releases an evicted connection. The close runs off the cache
// goroutine: a live handler's held mutex keeps the engine resource alive
// until release, then the close proceeds.
func (s *Store) onConnEvict(id string, c *Connection) {
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == ConnClosed {
			return
		}
		logger.Debug("evicting idle connection", zap.String("connection", id))
		s.closeConnLocked(c)
	}()
}

// onStmtEvict releases an evicted statement under its connection's mutex
func (s *Store) onStmtEvict(key StatementKey, st *Statement) {
	c, ok := s.conns.Peek(key.ConnectionID)
	if !ok {
		// connection already gone; engine resources went with it
		return
	}
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		logger.Debug("evicting idle statement",
			zap.String("connection", key.ConnectionID), zap.Uint32("statement", key.StatementID))
		closeStmtLocked(c, st)
	}()
}

// closeConnLocked releases every engine resource owned by the connection.
// Engine close failures are logged and the ids invalidated regardless.
func (s *Store) closeConnLocked(c *Connection) {
	for id := range c.stmts {
		key := StatementKey{ConnectionID: c.ID, StatementID: id}
		if st, ok := s.stmts.Peek(key); ok {
			closeStmtLocked(c, st)
		}
		s.stmts.Remove(key)
	}
	c.stmts = map[uint32]struct{}{}
	if err := c.eng.Close(); err != nil {
		logger.Warn("engine connection close failed",
			zap.String("connection", c.ID), zap.Error(err))
	}
	c.state = ConnClosed
}

func closeStmtLocked(c *Connection, st *Statement) {
	if st.state == StmtClosed {
		return
	}
	if st.cursor != nil {
		if err := st.cursor.cur.Close(); err != nil {
			logger.Warn("cursor close failed", zap.String("connection", c.ID), zap.Error(err))
		}
		st.cursor = nil
	}
	if st.eng != nil {
		if err := st.eng.Close(); err != nil {
			logger.Warn("engine statement close failed", zap.String("connection", c.ID), zap.Error(err))
		}
	}
	st.state = StmtClosed
	delete(c.stmts, st.Key.StatementID)
}

// OpenConnection allocates the connection id. Reopening an existing id with
// identical properties is idempotent; differing properties fail.
func (s *Store) OpenConnection(ctx context.Context, id string, info map[string]string) error {
	if existing, ok := s.conns.Get(id); ok {
		existing.mu.Lock()
		same := existing.state != ConnClosed && equalInfo(existing.info, info)
		existing.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: %s with different properties", ErrConnectionExists, id)
	}
	ec, err := s.eng.Connect(ctx, info)
	if err != nil {
		return err
	}
	c := &Connection{
		ID:         id,
		eng:        ec,
		info:       copyInfo(info),
		stmts:      map[uint32]struct{}{},
		nextID:     1,
		autoCommit: true,
	}
	s.conns.Add(id, c)
	logger.Debug("opened connection", zap.String("connection", id))
	return nil
}

// GetConnection resolves a live connection, refreshing its recency
func (s *Store) GetConnection(id string) (*Connection, error) {
	c, ok := s.conns.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return c, nil
}

// CloseConnection releases the connection and all owned statements.
// Closing an unknown id is idempotent.
func (s *Store) CloseConnection(ctx context.Context, id string) error {
	c, ok := s.conns.Peek(id)
	if !ok {
		return nil
	}
	c.mu.Lock()
	if c.state != ConnClosed {
		s.closeConnLocked(c)
	}
	c.mu.Unlock()
	s.conns.Remove(id)
	logger.Debug("closed connection", zap.String("connection", id))
	return nil
}

// WithConnection runs fn holding the connection's mutex. Data-plane
// operations first flush dirty properties to the engine, and run inside
// the impersonation boundary when a delegation callback is configured.
func (s *Store) WithConnection(ctx context.Context, id string, dataPlane bool, fn func(ctx context.Context, c *Connection) error) error {
	c, err := s.GetConnection(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnClosed {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, id)
	}

	action := func(ctx context.Context) error {
		if dataPlane && c.dirty {
			if err := c.eng.ApplyProps(ctx, c.pending); err != nil {
				return err
			}
			if c.pending.AutoCommit != nil && !*c.pending.AutoCommit {
				c.state = ConnTransactional
			}
			if c.pending.AutoCommit != nil && *c.pending.AutoCommit {
				c.state = ConnOpen
			}
			c.pending = engine.Props{}
			c.dirty = false
		}
		return fn(ctx, c)
	}

	if s.opts.Delegation != nil && dataPlane {
		user, addr := IdentityFromContext(ctx)
		return s.opts.Delegation(ctx, user, addr, action)
	}
	return action(ctx)
}

// ApplyClientProps records client-requested property mutations locally and
// sets the dirty bit; the engine sees them on the next data-plane call.
func (s *Store) ApplyClientProps(id string, props engine.Props) (PropertyView, error) {
	c, err := s.GetConnection(id)
	if err != nil {
		return PropertyView{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnClosed {
		return PropertyView{}, fmt.Errorf("%w: %s", ErrConnectionClosed, id)
	}
	changed := false
	if props.AutoCommit != nil && *props.AutoCommit != c.autoCommit {
		c.autoCommit = *props.AutoCommit
		c.pending.AutoCommit = props.AutoCommit
		changed = true
	}
	if props.ReadOnly != nil && *props.ReadOnly != c.readOnly {
		c.readOnly = *props.ReadOnly
		c.pending.ReadOnly = props.ReadOnly
		changed = true
	}
	if props.TransactionIsolation != nil && *props.TransactionIsolation != c.isolation {
		c.isolation = *props.TransactionIsolation
		c.pending.TransactionIsolation = props.TransactionIsolation
		changed = true
	}
	if props.Catalog != nil && !equalStringPtr(props.Catalog, c.catalog) {
		c.catalog = props.Catalog
		c.pending.Catalog = props.Catalog
		changed = true
	}
	if props.Schema != nil && !equalStringPtr(props.Schema, c.schema) {
		c.schema = props.Schema
		c.pending.Schema = props.Schema
		changed = true
	}
	if changed {
		c.dirty = true
	}
	return c.viewLocked(), nil
}

func (c *Connection) viewLocked() PropertyView {
	return PropertyView{
		AutoCommit:           c.autoCommit,
		ReadOnly:             c.readOnly,
		TransactionIsolation: c.isolation,
		Catalog:              c.catalog,
		Schema:               c.schema,
		Dirty:                c.dirty,
	}
}

// View returns the client-visible property snapshot
func (s *Store) View(id string) (PropertyView, error) {
	c, err := s.GetConnection(id)
	if err != nil {
		return PropertyView{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked(), nil
}

// CreateStatement allocates a statement id on the connection. Ids are
// monotonically increasing and never reused within a server lifetime.
func (s *Store) CreateStatement(c *Connection) *Statement {
	id := c.nextID
	c.nextID++
	st := &Statement{
		Key:   StatementKey{ConnectionID: c.ID, StatementID: id},
		state: StmtIdle,
	}
	c.stmts[id] = struct{}{}
	s.stmts.Add(st.Key, st)
	return st
}

// GetStatement resolves a live statement, refreshing its recency
func (s *Store) GetStatement(key StatementKey) (*Statement, error) {
	st, ok := s.stmts.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %d on connection %s", ErrStatementNotFound, key.StatementID, key.ConnectionID)
	}
	return st, nil
}

// CloseStatement releases a statement; unknown ids are idempotent.
// Callers hold the connection mutex.
func (s *Store) CloseStatement(c *Connection, key StatementKey) {
	if st, ok := s.stmts.Peek(key); ok {
		closeStmtLocked(c, st)
	}
	s.stmts.Remove(key)
}

// Engine returns the engine behind the store
func (s *Store) Engine() engine.Engine { return s.eng }

// Close releases every live connection
func (s *Store) Close() {
	for _, id := range s.conns.Keys() {
		s.CloseConnection(context.Background(), id)
	}
}

// Connection accessors used by the meta service; all require the
// connection mutex to be held via WithConnection.

// EngineConn returns the underlying engine session
func (c *Connection) EngineConn() engine.Conn { return c.eng }

// State returns the connection lifecycle state
func (c *Connection) State() ConnState { return c.state }

// Statement accessors; same locking discipline.

// State returns the statement lifecycle state
func (st *Statement) State() StmtState {
	if st.canceled.Load() && st.state != StmtClosed {
		return StmtCanceled
	}
	return st.state
}

// SetPrepared records a prepared engine statement and its signatures,
// releasing any statement prepared under the same id before it
func (st *Statement) SetPrepared(eng engine.Stmt, sql string, maxRowCount int64,
	cols []typedvalue.ColumnMetaData, params []typedvalue.Parameter) {
	if st.cursor != nil {
		st.cursor.cur.Close()
		st.cursor = nil
	}
	if st.eng != nil {
		st.eng.Close()
	}
	st.eng = eng
	st.SQL = sql
	st.MaxRowCount = maxRowCount
	st.Columns = cols
	st.Params = params
}

// EngineStmt returns the prepared engine statement, if any
func (st *Statement) EngineStmt() engine.Stmt { return st.eng }

// SetExecuting flags the transient executing state
func (st *Statement) SetExecuting() { st.state = StmtExecuting }

// SetCursor retains an open engine cursor positioned at pos
func (st *Statement) SetCursor(cur engine.Cursor, pos int64) {
	st.cursor = &Cursor{cur: cur, pos: pos}
	st.state = StmtHasCursor
}

// SetIdle returns the statement to the idle state
func (st *Statement) SetIdle() { st.state = StmtIdle }

// Cursor returns the retained cursor, if any
func (st *Statement) Cursor() *Cursor { return st.cursor }

// ReleaseCursor closes and drops the retained cursor
func (st *Statement) ReleaseCursor() {
	if st.cursor != nil {
		if err := st.cursor.cur.Close(); err != nil {
			logger.Warn("cursor close failed", zap.Error(err))
		}
		st.cursor = nil
	}
	if st.state == StmtHasCursor || st.state == StmtCanceled {
		st.state = StmtIdle
	}
}

// Cancel atomically flags the statement; the next row boundary observes it.
// It deliberately takes no mutex so an in-flight operation cannot delay it.
func (st *Statement) Cancel() {
	st.canceled.Store(true)
}

// Canceled reports the out-of-band cancellation flag
func (st *Statement) Canceled() bool { return st.canceled.Load() }

// ClearCanceled resets the flag after the cancellation error surfaced
func (st *Statement) ClearCanceled() { st.canceled.Store(false) }

// Pos returns the cursor's absolute position
func (cu *Cursor) Pos() int64 { return cu.pos }

// Next reads the next row, advancing the absolute position
func (cu *Cursor) Next(ctx context.Context) (typedvalue.Row, error) {
	row, err := cu.cur.Next(ctx)
	if err != nil {
		return nil, err
	}
	cu.pos++
	return row, nil
}

// Columns returns the cursor's column signature
func (cu *Cursor) Columns() []typedvalue.ColumnMetaData { return cu.cur.Columns() }

// Diagnostics is the read-only observation surface for tests; it replaces
// reflective probing of private state.
type Diagnostics interface {
	ConnectionCount() int
	StatementCount() int
	StatementCountFor(connID string) int
	ConnectionDirty(connID string) (dirty bool, ok bool)
}

// Diagnostics returns the store's diagnostics view
func (s *Store) Diagnostics() Diagnostics { return diag{s} }

type diag struct{ s *Store }

func (d diag) ConnectionCount() int { return d.s.conns.Len() }

func (d diag) StatementCount() int { return d.s.stmts.Len() }

func (d diag) StatementCountFor(connID string) int {
	c, ok := d.s.conns.Peek(connID)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stmts)
}

func (d diag) ConnectionDirty(connID string) (bool, bool) {
	c, ok := d.s.conns.Peek(connID)
	if !ok {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty, true
}

// identity carries the authenticated remote user and address through the
// request context into the impersonation boundary

type identityKey struct{}

type identity struct {
	user string
	addr string
}

// WithIdentity attaches the authenticated remote user and network address
func WithIdentity(ctx context.Context, user, addr string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity{user: user, addr: addr})
}

// IdentityFromContext extracts the authenticated identity, if any
func IdentityFromContext(ctx context.Context) (user, addr string) {
	if id, ok := ctx.Value(identityKey{}).(identity); ok {
		return id.user, id.addr
	}
	return "", ""
}

func equalInfo(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func copyInfo(info map[string]string) map[string]string {
	out := make(map[string]string, len(info))
	for k, v := range info {
		out[k] = v
	}
	return out
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
