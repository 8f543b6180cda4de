// Package meta is the stateful engine façade: it dispatches every request
// variant to engine operations, materializes result frames, and enforces
// the connection and statement state machines.
package meta

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/chrisdennis/calcite-avatica/pkg/common/logger"
	"github.com/chrisdennis/calcite-avatica/pkg/engine"
	"github.com/chrisdennis/calcite-avatica/pkg/message"
	"github.com/chrisdennis/calcite-avatica/pkg/session"
	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

const (
	// DefaultFrameMaxSize is the per-frame row cap when the request does
	// not name one
	DefaultFrameMaxSize = 100
)

var (
	// ErrStatementCanceled surfaces an out-of-band cancel at a row
	// boundary; the message text is part of the wire contract
	ErrStatementCanceled = errors.New("Statement canceled")
	// ErrOffsetOutOfRange reports a fetch behind a forward-only cursor
	ErrOffsetOutOfRange = errors.New("fetch offset out of range")
	// ErrMissingCursor reports a fetch against a statement without results
	ErrMissingCursor = errors.New("statement has no open result set")
	// ErrUnknownRequest reports a request variant outside the closed set
	ErrUnknownRequest = errors.New("unsupported request type")
)

// Service implements the protocol operations over a session store
type Service struct {
	store         *session.Store
	serverAddress string
}

// NewService builds a meta service. serverAddress is reported in every
// response's RPC metadata.
func NewService(store *session.Store, serverAddress string) *Service {
	return &Service{store: store, serverAddress: serverAddress}
}

// Store exposes the session store (diagnostics, lifecycle)
func (s *Service) Store() *session.Store { return s.store }

// ServerAddress is the "<hostname>:<port>" this service reports in RPC
// metadata
func (s *Service) ServerAddress() string { return s.serverAddress }

func (s *Service) meta() *message.RPCMetadata {
	return &message.RPCMetadata{ServerAddress: s.serverAddress}
}

// Apply dispatches one request to its operation. The request/response
// pairing is fixed; unknown variants are protocol errors.
func (s *Service) Apply(ctx context.Context, req message.Request) (message.Response, error) {
	switch r := req.(type) {
	case *message.OpenConnectionRequest:
		return s.openConnection(ctx, r)
	case *message.CloseConnectionRequest:
		return s.closeConnection(ctx, r)
	case *message.ConnectionSyncRequest:
		return s.connectionSync(ctx, r)
	case *message.DatabasePropertyRequest:
		return s.databaseProperty(ctx, r)
	case *message.SchemasRequest:
		return s.catalogQuery(ctx, r.ConnectionID, "getSchemas", func(ctx context.Context, c engine.Conn) (engine.Cursor, error) {
			return c.Schemas(ctx, r.Catalog, r.SchemaPattern)
		})
	case *message.TablesRequest:
		return s.catalogQuery(ctx, r.ConnectionID, "getTables", func(ctx context.Context, c engine.Conn) (engine.Cursor, error) {
			return c.Tables(ctx, r.Catalog, r.SchemaPattern, r.TableNamePattern, r.TypeList)
		})
	case *message.ColumnsRequest:
		return s.catalogQuery(ctx, r.ConnectionID, "getColumns", func(ctx context.Context, c engine.Conn) (engine.Cursor, error) {
			return c.Columns(ctx, r.Catalog, r.SchemaPattern, r.TableNamePattern, r.ColumnNamePattern)
		})
	case *message.TypeInfoRequest:
		return s.catalogQuery(ctx, r.ConnectionID, "getTypeInfo", func(ctx context.Context, c engine.Conn) (engine.Cursor, error) {
			return c.TypeInfo(ctx)
		})
	case *message.CatalogsRequest:
		return s.catalogQuery(ctx, r.ConnectionID, "getCatalogs", func(ctx context.Context, c engine.Conn) (engine.Cursor, error) {
			return c.Catalogs(ctx)
		})
	case *message.TableTypesRequest:
		return s.catalogQuery(ctx, r.ConnectionID, "getTableTypes", func(ctx context.Context, c engine.Conn) (engine.Cursor, error) {
			return c.TableTypes(ctx)
		})
	case *message.CreateStatementRequest:
		return s.createStatement(ctx, r)
	case *message.CloseStatementRequest:
		return s.closeStatement(ctx, r)
	case *message.PrepareRequest:
		return s.prepare(ctx, r)
	case *message.ExecuteRequest:
		return s.execute(ctx, r)
	case *message.PrepareAndExecuteRequest:
		return s.prepareAndExecute(ctx, r)
	case *message.PrepareAndExecuteBatchRequest:
		return s.prepareAndExecuteBatch(ctx, r)
	case *message.ExecuteBatchRequest:
		return s.executeBatch(ctx, r)
	case *message.FetchRequest:
		return s.fetch(ctx, r)
	case *message.SyncResultsRequest:
		return s.syncResults(ctx, r)
	case *message.CommitRequest:
		return s.commit(ctx, r)
	case *message.RollbackRequest:
		return s.rollback(ctx, r)
	case *message.CancelStatementRequest:
		return s.cancelStatement(ctx, r)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, req)
}

func (s *Service) openConnection(ctx context.Context, r *message.OpenConnectionRequest) (message.Response, error) {
	if err := s.store.OpenConnection(ctx, r.ConnectionID, r.Info); err != nil {
		return nil, err
	}
	return &message.OpenConnectionResponse{RPCMetadata: s.meta()}, nil
}

func (s *Service) closeConnection(ctx context.Context, r *message.CloseConnectionRequest) (message.Response, error) {
	if err := s.store.CloseConnection(ctx, r.ConnectionID); err != nil {
		return nil, err
	}
	return &message.CloseConnectionResponse{RPCMetadata: s.meta()}, nil
}

func (s *Service) connectionSync(ctx context.Context, r *message.ConnectionSyncRequest) (message.Response, error) {
	props := engine.Props{
		AutoCommit:           r.ConnProps.AutoCommit,
		ReadOnly:             r.ConnProps.ReadOnly,
		TransactionIsolation: r.ConnProps.TransactionIsolation,
		Catalog:              r.ConnProps.Catalog,
		Schema:               r.ConnProps.Schema,
	}
	view, err := s.store.ApplyClientProps(r.ConnectionID, props)
	if err != nil {
		return nil, err
	}
	return &message.ConnectionSyncResponse{
		ConnProps:   viewToProps(view),
		RPCMetadata: s.meta(),
	}, nil
}

func viewToProps(v session.PropertyView) message.ConnectionProperties {
	autoCommit := v.AutoCommit
	readOnly := v.ReadOnly
	isolation := v.TransactionIsolation
	return message.ConnectionProperties{
		AutoCommit:           &autoCommit,
		ReadOnly:             &readOnly,
		TransactionIsolation: &isolation,
		Catalog:              v.Catalog,
		Schema:               v.Schema,
		Dirty:                v.Dirty,
	}
}

func (s *Service) databaseProperty(ctx context.Context, r *message.DatabasePropertyRequest) (message.Response, error) {
	props := map[string]typedvalue.TypedValue{}
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		all := s.store.Engine().Properties()
		all["AVATICA_VERSION"] = message.ProtocolVersion
		for k, v := range all {
			if r.Name != "" && r.Name != k {
				continue
			}
			props[k] = typedvalue.FromString(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &message.DatabasePropertyResponse{Props: props, RPCMetadata: s.meta()}, nil
}

// catalogQuery answers a metadata request through the standard cursor
// machinery: large results paginate via Fetch like any query.
func (s *Service) catalogQuery(ctx context.Context, connID, op string,
	query func(context.Context, engine.Conn) (engine.Cursor, error)) (message.Response, error) {
	var resp *message.ResultSetResponse
	err := s.store.WithConnection(ctx, connID, true, func(ctx context.Context, c *session.Connection) error {
		cur, err := query(ctx, c.EngineConn())
		if err != nil {
			return err
		}
		st := s.store.CreateStatement(c)
		st.Columns = cur.Columns()
		resp, err = s.materialize(ctx, c, st, cur, DefaultFrameMaxSize, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// materialize reads the first frame from an engine cursor. An exhausted
// cursor is released before the response is returned; otherwise it is
// retained under the statement handle.
func (s *Service) materialize(ctx context.Context, c *session.Connection, st *session.Statement,
	cur engine.Cursor, frameMax int, ownStatement bool) (*message.ResultSetResponse, error) {
	if frameMax <= 0 {
		frameMax = DefaultFrameMaxSize
	}
	st.SetCursor(cur, 0)
	frame, err := s.readFrame(ctx, st, 0, frameMax)
	if err != nil {
		st.ReleaseCursor()
		return nil, err
	}
	if frame.Done {
		st.ReleaseCursor()
	}
	return &message.ResultSetResponse{
		ConnectionID: st.Key.ConnectionID,
		StatementID:  st.Key.StatementID,
		OwnStatement: ownStatement,
		Signature:    &message.Signature{Columns: st.Columns, SQL: st.SQL, Parameters: st.Params},
		FirstFrame:   frame,
		UpdateCount:  -1,
		RPCMetadata:  s.meta(),
	}, nil
}

// readFrame advances the retained cursor, honoring the out-of-band cancel
// flag at every row boundary
func (s *Service) readFrame(ctx context.Context, st *session.Statement, offset int64, limit int) (*typedvalue.Frame, error) {
	cu := st.Cursor()
	frame := &typedvalue.Frame{Offset: offset, Rows: []typedvalue.Row{}}
	for len(frame.Rows) < limit {
		if st.Canceled() {
			return nil, ErrStatementCanceled
		}
		row, err := cu.Next(ctx)
		if err == io.EOF {
			frame.Done = true
			return frame, nil
		}
		if err != nil {
			return nil, err
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}

func (s *Service) createStatement(ctx context.Context, r *message.CreateStatementRequest) (message.Response, error) {
	var id uint32
	err := s.store.WithConnection(ctx, r.ConnectionID, false, func(ctx context.Context, c *session.Connection) error {
		st := s.store.CreateStatement(c)
		id = st.Key.StatementID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &message.CreateStatementResponse{
		ConnectionID: r.ConnectionID,
		StatementID:  id,
		RPCMetadata:  s.meta(),
	}, nil
}

func (s *Service) closeStatement(ctx context.Context, r *message.CloseStatementRequest) (message.Response, error) {
	err := s.store.WithConnection(ctx, r.ConnectionID, false, func(ctx context.Context, c *session.Connection) error {
		s.store.CloseStatement(c, session.StatementKey{ConnectionID: r.ConnectionID, StatementID: r.StatementID})
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrConnectionNotFound) {
		return nil, err
	}
	return &message.CloseStatementResponse{RPCMetadata: s.meta()}, nil
}

func (s *Service) prepare(ctx context.Context, r *message.PrepareRequest) (message.Response, error) {
	var handle message.StatementHandle
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		st := s.store.CreateStatement(c)
		prepared, err := c.EngineConn().Prepare(ctx, r.SQL)
		if err != nil {
			return wrapSQL(r.SQL, err)
		}
		cols, params := prepared.Signature()
		st.SetPrepared(prepared, r.SQL, normalizeMaxRows(r.MaxRowCount), cols, params)
		handle = message.StatementHandle{
			ConnectionID: r.ConnectionID,
			ID:           st.Key.StatementID,
			Signature:    &message.Signature{Columns: cols, SQL: r.SQL, Parameters: params},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &message.PrepareResponse{Statement: handle, RPCMetadata: s.meta()}, nil
}

// normalizeMaxRows folds the two accepted unbounded sentinels into one
func normalizeMaxRows(maxRows int64) int64 {
	if maxRows <= 0 {
		return -1
	}
	return maxRows
}

func (s *Service) execute(ctx context.Context, r *message.ExecuteRequest) (message.Response, error) {
	key := session.StatementKey{ConnectionID: r.StatementHandle.ConnectionID, StatementID: r.StatementHandle.ID}
	var results []*message.ResultSetResponse
	err := s.store.WithConnection(ctx, key.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		st, err := s.store.GetStatement(key)
		if err != nil {
			return err
		}
		if st.EngineStmt() == nil {
			return fmt.Errorf("statement %d is not prepared", key.StatementID)
		}
		if err := bindParameters(r.ParameterValues, st.Params); err != nil {
			return err
		}
		results, err = s.runStatement(ctx, c, st, r.ParameterValues, r.FirstFrameMaxSize)
		return err
	})
	if err != nil {
		if errors.Is(err, session.ErrStatementNotFound) {
			return &message.ExecuteResponse{MissingStatement: true, RPCMetadata: s.meta()}, nil
		}
		return nil, err
	}
	return &message.ExecuteResponse{Results: results, RPCMetadata: s.meta()}, nil
}

// bindParameters rejects arity and representation mismatches before the
// engine sees the statement
func bindParameters(values []typedvalue.TypedValue, params []typedvalue.Parameter) error {
	if len(values) != len(params) {
		return fmt.Errorf("%w: statement takes %d parameters, %d supplied",
			engine.ErrInvalidParameter, len(params), len(values))
	}
	for i, p := range params {
		if p.TypeCode == typedvalue.TypeNull {
			// parameter type not inferred by the engine; any rep binds
			continue
		}
		v := values[i]
		if v.IsNull() {
			continue
		}
		col := typedvalue.ColumnMetaData{
			Name: fmt.Sprintf("?%d", i+1), TypeCode: p.TypeCode,
			TypeName: p.TypeName, Nullable: true,
		}
		if err := typedvalue.CheckCompatible(v, col); err != nil {
			return fmt.Errorf("%w: parameter %d: %v", engine.ErrInvalidParameter, i+1, err)
		}
	}
	return nil
}

// runStatement implements the execute algorithm: the statement transitions
// Executing, the engine runs with the statement's total row cap, and the
// first result's cursor is either drained into a done frame or retained.
func (s *Service) runStatement(ctx context.Context, c *session.Connection, st *session.Statement,
	args []typedvalue.TypedValue, frameMax int) ([]*message.ResultSetResponse, error) {
	if frameMax <= 0 {
		frameMax = DefaultFrameMaxSize
	}
	st.ReleaseCursor()
	st.SetExecuting()
	engResults, err := st.EngineStmt().Execute(ctx, args, st.MaxRowCount)
	if err != nil {
		st.SetIdle()
		return nil, wrapSQL(st.SQL, err)
	}

	var results []*message.ResultSetResponse
	for i, res := range engResults {
		if res.Cursor == nil {
			results = append(results, &message.ResultSetResponse{
				ConnectionID: st.Key.ConnectionID,
				StatementID:  st.Key.StatementID,
				OwnStatement: false,
				UpdateCount:  res.UpdateCount,
				RPCMetadata:  s.meta(),
			})
			continue
		}
		if i == 0 {
			st.Columns = res.Cursor.Columns()
			rs, err := s.materialize(ctx, c, st, res.Cursor, frameMax, false)
			if err != nil {
				return nil, wrapSQL(st.SQL, err)
			}
			results = append(results, rs)
			continue
		}
		// further result sets drain eagerly; only the first retains a cursor
		rs, err := drainCursor(ctx, st, res.Cursor, s.meta())
		if err != nil {
			return nil, wrapSQL(st.SQL, err)
		}
		results = append(results, rs)
	}
	if len(engResults) > 0 && engResults[0].Cursor == nil {
		st.SetIdle()
	}
	return results, nil
}

func drainCursor(ctx context.Context, st *session.Statement, cur engine.Cursor, meta *message.RPCMetadata) (*message.ResultSetResponse, error) {
	defer cur.Close()
	frame := &typedvalue.Frame{Rows: []typedvalue.Row{}, Done: true}
	for {
		row, err := cur.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		frame.Rows = append(frame.Rows, row)
	}
	return &message.ResultSetResponse{
		ConnectionID: st.Key.ConnectionID,
		StatementID:  st.Key.StatementID,
		Signature:    &message.Signature{Columns: cur.Columns()},
		FirstFrame:   frame,
		UpdateCount:  -1,
		RPCMetadata:  meta,
	}, nil
}

func (s *Service) prepareAndExecute(ctx context.Context, r *message.PrepareAndExecuteRequest) (message.Response, error) {
	key := session.StatementKey{ConnectionID: r.ConnectionID, StatementID: r.StatementID}
	var results []*message.ResultSetResponse
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		st, err := s.store.GetStatement(key)
		if err != nil {
			return err
		}
		prepared, err := c.EngineConn().Prepare(ctx, r.SQL)
		if err != nil {
			return wrapSQL(r.SQL, err)
		}
		cols, params := prepared.Signature()
		st.SetPrepared(prepared, r.SQL, normalizeMaxRows(r.MaxRowCount), cols, params)
		results, err = s.runStatement(ctx, c, st, nil, r.FirstFrameMaxSize)
		return err
	})
	if err != nil {
		if errors.Is(err, session.ErrStatementNotFound) {
			return &message.ExecuteResponse{MissingStatement: true, RPCMetadata: s.meta()}, nil
		}
		return nil, err
	}
	return &message.ExecuteResponse{Results: results, RPCMetadata: s.meta()}, nil
}

func (s *Service) prepareAndExecuteBatch(ctx context.Context, r *message.PrepareAndExecuteBatchRequest) (message.Response, error) {
	key := session.StatementKey{ConnectionID: r.ConnectionID, StatementID: r.StatementID}
	var counts []int64
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		if _, err := s.store.GetStatement(key); err != nil {
			return err
		}
		for _, sqlText := range r.SQLCommands {
			prepared, err := c.EngineConn().Prepare(ctx, sqlText)
			if err != nil {
				return wrapSQL(sqlText, err)
			}
			res, err := prepared.Execute(ctx, nil, -1)
			if cerr := prepared.Close(); cerr != nil {
				logger.Warn("closing batch statement", zap.Error(cerr))
			}
			if err != nil {
				return wrapSQL(sqlText, err)
			}
			counts = append(counts, batchCount(res))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrStatementNotFound) {
			return &message.ExecuteBatchResponse{MissingStatement: true, RPCMetadata: s.meta()}, nil
		}
		return nil, err
	}
	return &message.ExecuteBatchResponse{
		ConnectionID: r.ConnectionID,
		StatementID:  r.StatementID,
		UpdateCounts: counts,
		RPCMetadata:  s.meta(),
	}, nil
}

func (s *Service) executeBatch(ctx context.Context, r *message.ExecuteBatchRequest) (message.Response, error) {
	key := session.StatementKey{ConnectionID: r.ConnectionID, StatementID: r.StatementID}
	var counts []int64
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		st, err := s.store.GetStatement(key)
		if err != nil {
			return err
		}
		if st.EngineStmt() == nil {
			return fmt.Errorf("statement %d is not prepared", key.StatementID)
		}
		for _, row := range r.ParameterValues {
			if err := bindParameters(row, st.Params); err != nil {
				return err
			}
			res, err := st.EngineStmt().Execute(ctx, row, -1)
			if err != nil {
				return wrapSQL(st.SQL, err)
			}
			counts = append(counts, batchCount(res))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrStatementNotFound) {
			return &message.ExecuteBatchResponse{MissingStatement: true, RPCMetadata: s.meta()}, nil
		}
		return nil, err
	}
	return &message.ExecuteBatchResponse{
		ConnectionID: r.ConnectionID,
		StatementID:  r.StatementID,
		UpdateCounts: counts,
		RPCMetadata:  s.meta(),
	}, nil
}

func batchCount(results []engine.Result) int64 {
	if len(results) == 0 {
		return 0
	}
	if results[0].Cursor != nil {
		results[0].Cursor.Close()
		return -1
	}
	return results[0].UpdateCount
}

// fetch advances a retained cursor. Cursors are forward-only: an offset
// behind the current position fails, an offset ahead skips forward.
func (s *Service) fetch(ctx context.Context, r *message.FetchRequest) (message.Response, error) {
	key := session.StatementKey{ConnectionID: r.ConnectionID, StatementID: r.StatementID}
	var frame *typedvalue.Frame
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		st, err := s.store.GetStatement(key)
		if err != nil {
			return err
		}
		if st.Canceled() {
			st.ReleaseCursor()
			st.ClearCanceled()
			return ErrStatementCanceled
		}
		cu := st.Cursor()
		if cu == nil {
			return fmt.Errorf("%w: statement %d", ErrMissingCursor, key.StatementID)
		}
		if r.Offset < cu.Pos() {
			return fmt.Errorf("%w: requested offset %d behind cursor position %d",
				ErrOffsetOutOfRange, r.Offset, cu.Pos())
		}
		for cu.Pos() < r.Offset {
			if st.Canceled() {
				st.ReleaseCursor()
				st.ClearCanceled()
				return ErrStatementCanceled
			}
			if _, err := cu.Next(ctx); err == io.EOF {
				break
			} else if err != nil {
				return err
			}
		}
		limit := r.FrameMaxSize
		if limit <= 0 {
			limit = DefaultFrameMaxSize
		}
		frame, err = s.readFrame(ctx, st, cu.Pos(), limit)
		if err != nil {
			if errors.Is(err, ErrStatementCanceled) {
				st.ReleaseCursor()
				st.ClearCanceled()
			}
			return err
		}
		if frame.Done {
			st.ReleaseCursor()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrStatementNotFound) {
			return &message.FetchResponse{MissingStatement: true, MissingResults: true, RPCMetadata: s.meta()}, nil
		}
		return nil, err
	}
	return &message.FetchResponse{Frame: frame, RPCMetadata: s.meta()}, nil
}

// syncResults reconciles a client cursor against this server, typically
// after the original server restarted
func (s *Service) syncResults(ctx context.Context, r *message.SyncResultsRequest) (message.Response, error) {
	key := session.StatementKey{ConnectionID: r.ConnectionID, StatementID: r.StatementID}
	missed := false
	moved := false
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		st, err := s.store.GetStatement(key)
		if err != nil {
			missed = true
			return nil
		}
		cu := st.Cursor()
		if cu == nil {
			missed = true
			return nil
		}
		for cu.Pos() < r.Offset {
			if _, err := cu.Next(ctx); err == io.EOF {
				break
			} else if err != nil {
				return err
			}
			moved = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrConnectionNotFound) {
			return &message.SyncResultsResponse{Missed: true, RPCMetadata: s.meta()}, nil
		}
		return nil, err
	}
	return &message.SyncResultsResponse{Missed: missed, Moved: moved, RPCMetadata: s.meta()}, nil
}

func (s *Service) commit(ctx context.Context, r *message.CommitRequest) (message.Response, error) {
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		return c.EngineConn().Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &message.CommitResponse{RPCMetadata: s.meta()}, nil
}

func (s *Service) rollback(ctx context.Context, r *message.RollbackRequest) (message.Response, error) {
	err := s.store.WithConnection(ctx, r.ConnectionID, true, func(ctx context.Context, c *session.Connection) error {
		return c.EngineConn().Rollback(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &message.RollbackResponse{RPCMetadata: s.meta()}, nil
}

// cancelStatement is the out-of-band cancel: it only flips the flag, so it
// never waits behind an in-flight engine call
func (s *Service) cancelStatement(ctx context.Context, r *message.CancelStatementRequest) (message.Response, error) {
	key := session.StatementKey{ConnectionID: r.ConnectionID, StatementID: r.StatementID}
	st, err := s.store.GetStatement(key)
	if err != nil {
		return nil, err
	}
	st.Cancel()
	return &message.CancelStatementResponse{RPCMetadata: s.meta()}, nil
}

// wrapSQL keeps the offending SQL text in the client-visible message
func wrapSQL(sqlText string, err error) error {
	if sqlText == "" {
		return err
	}
	return fmt.Errorf("error while executing SQL %q: %w", abbreviateSQL(sqlText), err)
}

func abbreviateSQL(sqlText string) string {
	if len(sqlText) > 256 {
		return sqlText[:253] + "..."
	}
	return sqlText
}

// ToErrorResponse converts any dispatch failure into the wire error
// envelope, preserving the cause chain as stackTraces
func ToErrorResponse(err error, serverAddress string) *message.ErrorResponse {
	var traces []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		traces = append(traces, e.Error())
	}
	return &message.ErrorResponse{
		ErrorMessage: err.Error(),
		ErrorCode:    message.UnknownErrorCode,
		SQLState:     message.UnknownSQLState,
		Severity:     message.SeverityError,
		StackTraces:  traces,
		RPCMetadata:  &message.RPCMetadata{ServerAddress: serverAddress},
	}
}
