// Package driver registers an "avatica" database/sql driver that speaks
// the remote meta protocol. The DSN is the gateway URL; append
// "#binary" to select the compact serializer.
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chrisdennis/calcite-avatica/pkg/message"
	"github.com/chrisdennis/calcite-avatica/pkg/transport"
	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

func init() {
	sql.Register("avatica", &remoteDriver{})
}

type remoteDriver struct{}

// Open dials the gateway and allocates a server-side connection under a
// fresh client-chosen id
func (remoteDriver) Open(name string) (driver.Conn, error) {
	url := name
	var opts []transport.ClientOption
	if strings.HasSuffix(url, "#binary") {
		url = strings.TrimSuffix(url, "#binary")
		opts = append(opts, transport.WithBinary())
	}
	cl := transport.NewClient(url, opts...)
	id := uuid.NewString()
	_, err := cl.Call(context.Background(), &message.OpenConnectionRequest{ConnectionID: id})
	if err != nil {
		return nil, err
	}
	return &conn{cl: cl, id: id}, nil
}

type conn struct {
	cl   *transport.Client
	id   string
	inTx bool
}

// Prepare implements driver.Conn. The total row cap normalizes to the
// single unbounded sentinel on send.
func (c *conn) Prepare(query string) (driver.Stmt, error) {
	resp, err := c.cl.Call(context.Background(), &message.PrepareRequest{
		ConnectionID: c.id,
		SQL:          query,
		MaxRowCount:  -1,
	})
	if err != nil {
		return nil, err
	}
	prep, ok := resp.(*message.PrepareResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to prepare", resp)
	}
	return &stmt{conn: c, handle: prep.Statement}, nil
}

// Close implements driver.Conn
func (c *conn) Close() error {
	_, err := c.cl.Call(context.Background(), &message.CloseConnectionRequest{ConnectionID: c.id})
	return err
}

// Begin implements driver.Conn by syncing autocommit off; the server
// flushes it on the next data-plane operation
func (c *conn) Begin() (driver.Tx, error) {
	off := false
	_, err := c.cl.Call(context.Background(), &message.ConnectionSyncRequest{
		ConnectionID: c.id,
		ConnProps:    message.ConnectionProperties{AutoCommit: &off, Dirty: true},
	})
	if err != nil {
		return nil, err
	}
	c.inTx = true
	return &tx{conn: c}, nil
}

type tx struct {
	conn *conn
}

// Commit implements driver.Tx
func (t *tx) Commit() error {
	_, err := t.conn.cl.Call(context.Background(), &message.CommitRequest{ConnectionID: t.conn.id})
	t.conn.endTx()
	return err
}

// Rollback implements driver.Tx
func (t *tx) Rollback() error {
	_, err := t.conn.cl.Call(context.Background(), &message.RollbackRequest{ConnectionID: t.conn.id})
	t.conn.endTx()
	return err
}

// endTx restores autocommit after a database/sql transaction ends
func (c *conn) endTx() {
	on := true
	c.cl.Call(context.Background(), &message.ConnectionSyncRequest{
		ConnectionID: c.id,
		ConnProps:    message.ConnectionProperties{AutoCommit: &on, Dirty: true},
	})
	c.inTx = false
}

type stmt struct {
	conn   *conn
	handle message.StatementHandle
}

// Close implements driver.Stmt
func (s *stmt) Close() error {
	_, err := s.conn.cl.Call(context.Background(), &message.CloseStatementRequest{
		ConnectionID: s.conn.id,
		StatementID:  s.handle.ID,
	})
	return err
}

// NumInput implements driver.Stmt
func (s *stmt) NumInput() int {
	if s.handle.Signature == nil {
		return -1
	}
	return len(s.handle.Signature.Parameters)
}

func (s *stmt) execute(args []driver.Value) (*message.ExecuteResponse, error) {
	values := make([]typedvalue.TypedValue, len(args))
	for i, a := range args {
		v, err := toTypedValue(a)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	resp, err := s.conn.cl.Call(context.Background(), &message.ExecuteRequest{
		StatementHandle: message.StatementHandle{ConnectionID: s.conn.id, ID: s.handle.ID},
		ParameterValues: values,
	})
	if err != nil {
		return nil, err
	}
	exec, ok := resp.(*message.ExecuteResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T to execute", resp)
	}
	if exec.MissingStatement {
		return nil, driver.ErrBadConn
	}
	if len(exec.Results) == 0 {
		return nil, fmt.Errorf("execute returned no results")
	}
	return exec, nil
}

// Query implements driver.Stmt
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	exec, err := s.execute(args)
	if err != nil {
		return nil, err
	}
	rs := exec.Results[0]
	if rs.FirstFrame == nil {
		return nil, fmt.Errorf("statement did not produce rows")
	}
	return &rows{conn: s.conn, rs: rs, frame: rs.FirstFrame}, nil
}

// Exec implements driver.Stmt
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	exec, err := s.execute(args)
	if err != nil {
		return nil, err
	}
	return result{affected: exec.Results[0].UpdateCount}, nil
}

type result struct {
	affected int64
}

// LastInsertId implements driver.Result
func (r result) LastInsertId() (int64, error) {
	return 0, fmt.Errorf("last insert id is not reported by the protocol")
}

// RowsAffected implements driver.Result
func (r result) RowsAffected() (int64, error) { return r.affected, nil }

type rows struct {
	conn  *conn
	rs    *message.ResultSetResponse
	frame *typedvalue.Frame
	pos   int
}

// Columns implements driver.Rows
func (r *rows) Columns() []string {
	if r.rs.Signature == nil {
		return nil
	}
	out := make([]string, len(r.rs.Signature.Columns))
	for i, c := range r.rs.Signature.Columns {
		out[i] = c.Label
	}
	return out
}

// Close implements driver.Rows
func (r *rows) Close() error {
	r.frame = nil
	return nil
}

// Next implements driver.Rows, paging further frames on demand
func (r *rows) Next(dest []driver.Value) error {
	for r.frame != nil && r.pos >= len(r.frame.Rows) {
		if r.frame.Done {
			return io.EOF
		}
		offset := r.frame.Offset + int64(len(r.frame.Rows))
		resp, err := r.conn.cl.Call(context.Background(), &message.FetchRequest{
			ConnectionID: r.conn.id,
			StatementID:  r.rs.StatementID,
			Offset:       offset,
		})
		if err != nil {
			return err
		}
		fetch, ok := resp.(*message.FetchResponse)
		if !ok {
			return fmt.Errorf("unexpected response %T to fetch", resp)
		}
		if fetch.MissingStatement || fetch.MissingResults || fetch.Frame == nil {
			return io.EOF
		}
		r.frame = fetch.Frame
		r.pos = 0
	}
	if r.frame == nil {
		return io.EOF
	}
	row := r.frame.Rows[r.pos]
	r.pos++
	for i := range dest {
		if i < len(row) {
			dest[i] = toDriverValue(row[i])
		}
	}
	return nil
}

func toTypedValue(v driver.Value) (typedvalue.TypedValue, error) {
	switch x := v.(type) {
	case nil:
		return typedvalue.Null(), nil
	case bool:
		return typedvalue.FromBool(x), nil
	case int64:
		return typedvalue.FromLong(x), nil
	case float64:
		return typedvalue.FromDouble(x), nil
	case string:
		return typedvalue.FromString(x), nil
	case []byte:
		return typedvalue.FromBytes(append([]byte{}, x...)), nil
	case time.Time:
		return typedvalue.FromTimestamp(x.UnixMilli()), nil
	}
	return typedvalue.TypedValue{}, fmt.Errorf("unsupported parameter type %T", v)
}

func toDriverValue(v typedvalue.TypedValue) driver.Value {
	switch v.Rep {
	case typedvalue.RepNull:
		return nil
	case typedvalue.RepBoolean:
		return v.Bool
	case typedvalue.RepByte, typedvalue.RepShort, typedvalue.RepInteger, typedvalue.RepLong:
		return v.Number
	case typedvalue.RepFloat, typedvalue.RepDouble:
		return v.Real
	case typedvalue.RepBigDecimal:
		return v.DecimalString()
	case typedvalue.RepString:
		return v.Str
	case typedvalue.RepByteString:
		return v.Bytes
	case typedvalue.RepDate:
		return time.Unix(0, 0).UTC().AddDate(0, 0, int(v.Number))
	case typedvalue.RepTime:
		return v.Number
	case typedvalue.RepTimestamp:
		return time.UnixMilli(v.Number).UTC()
	default:
		return v.AsString()
	}
}
