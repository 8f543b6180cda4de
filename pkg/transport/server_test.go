package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisdennis/calcite-avatica/pkg/engine/memengine"
	"github.com/chrisdennis/calcite-avatica/pkg/message"
	"github.com/chrisdennis/calcite-avatica/pkg/session"
	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

func startServer(t *testing.T, opts session.Options) (*Server, string) {
	t.Helper()
	store := session.NewStore(memengine.New(), opts)
	t.Cleanup(store.Close)
	srv := NewServer(Config{Host: "127.0.0.1", Port: 0}, store)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	url := fmt.Sprintf("http://%s", srv.Addr().String())
	return srv, url
}

func TestPostOnly(t *testing.T) {
	_, url := startServer(t, session.Options{})
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMalformedRequestBothSerializers(t *testing.T) {
	_, url := startServer(t, session.Options{})
	garbage := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

	// textual: HTTP 500 with an ErrorResponse mentioning the character
	resp, err := http.Post(url, ContentTypeJSON, bytes.NewReader(garbage))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	parsed, err := message.JSONTranslator{}.ParseResponse(body)
	require.NoError(t, err)
	errResp, ok := parsed.(*message.ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.ErrorMessage, "Illegal character")

	// binary: HTTP 500 with an ErrorResponse mentioning the tag, in the
	// same serialization that was requested
	resp, err = http.Post(url, ContentTypeBinary, bytes.NewReader(garbage))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	parsed, err = message.BinaryTranslator{}.ParseResponse(body)
	require.NoError(t, err)
	errResp, ok = parsed.(*message.ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.ErrorMessage, "invalid tag")
}

func TestClientRoundTripBothSerializers(t *testing.T) {
	_, url := startServer(t, session.Options{})

	for name, cl := range map[string]*Client{
		"json":   NewClient(url),
		"binary": NewClient(url, WithBinary()),
	} {
		connID := "conn-" + name
		ctx := context.Background()

		resp, err := cl.Call(ctx, &message.OpenConnectionRequest{ConnectionID: connID})
		require.NoError(t, err, "%s open", name)
		openResp := resp.(*message.OpenConnectionResponse)
		require.NotNil(t, openResp.RPCMetadata)
		assert.NotEmpty(t, openResp.RPCMetadata.ServerAddress)

		resp, err = cl.Call(ctx, &message.CreateStatementRequest{ConnectionID: connID})
		require.NoError(t, err)
		stmtID := resp.(*message.CreateStatementResponse).StatementID

		resp, err = cl.Call(ctx, &message.PrepareAndExecuteRequest{
			ConnectionID: connID,
			StatementID:  stmtID,
			SQL:          "select 'hello' as greeting from (values ('x'))",
		})
		require.NoError(t, err)
		exec := resp.(*message.ExecuteResponse)
		require.Len(t, exec.Results, 1)
		require.Len(t, exec.Results[0].FirstFrame.Rows, 1)
		assert.Equal(t, "hello", exec.Results[0].FirstFrame.Rows[0][0].Str)

		_, err = cl.Call(ctx, &message.CloseConnectionRequest{ConnectionID: connID})
		require.NoError(t, err)
	}
}

func TestVeryLargeQueryBody(t *testing.T) {
	_, url := startServer(t, session.Options{})
	cl := NewClient(url)
	ctx := context.Background()

	require.NoError(t, openConn(cl, "c1"))
	resp, err := cl.Call(ctx, &message.CreateStatementRequest{ConnectionID: "c1"})
	require.NoError(t, err)
	stmtID := resp.(*message.CreateStatementResponse).StatementID

	literal := strings.Repeat("y", 8000)
	resp, err = cl.Call(ctx, &message.PrepareAndExecuteRequest{
		ConnectionID: "c1",
		StatementID:  stmtID,
		SQL:          "select '" + literal + "' as s from (values ('x'))",
	})
	require.NoError(t, err)
	exec := resp.(*message.ExecuteResponse)
	require.Len(t, exec.Results, 1)
	require.Len(t, exec.Results[0].FirstFrame.Rows, 1)
	assert.Equal(t, literal, exec.Results[0].FirstFrame.Rows[0][0].Str)
}

func TestEngineErrorBecomesErrorResponse(t *testing.T) {
	_, url := startServer(t, session.Options{})
	cl := NewClient(url)
	ctx := context.Background()

	require.NoError(t, openConn(cl, "c1"))
	resp, err := cl.Call(ctx, &message.CreateStatementRequest{ConnectionID: "c1"})
	require.NoError(t, err)
	stmtID := resp.(*message.CreateStatementResponse).StatementID

	_, err = cl.Call(ctx, &message.PrepareAndExecuteRequest{
		ConnectionID: "c1",
		StatementID:  stmtID,
		SQL:          "select x from missing_table",
	})
	require.Error(t, err)
	remote, ok := err.(*message.RemoteError)
	require.True(t, ok, "engine failures surface as remote errors, got %T", err)
	assert.Equal(t, message.UnknownErrorCode, remote.Code)
	assert.Equal(t, message.UnknownSQLState, remote.SQLState)
	assert.Contains(t, remote.Message, "missing_table")
	assert.NotEmpty(t, remote.StackTraces)
}

func TestParallelConnectionsAreIndependent(t *testing.T) {
	_, url := startServer(t, session.Options{})
	cl := NewClient(url)
	ctx := context.Background()

	require.NoError(t, openConn(cl, "c1"))
	require.NoError(t, openConn(cl, "c2"))

	runSQL := func(connID, sqlText string) error {
		resp, err := cl.Call(ctx, &message.CreateStatementRequest{ConnectionID: connID})
		if err != nil {
			return err
		}
		stmtID := resp.(*message.CreateStatementResponse).StatementID
		_, err = cl.Call(ctx, &message.PrepareAndExecuteRequest{
			ConnectionID: connID, StatementID: stmtID, SQL: sqlText,
		})
		return err
	}

	require.NoError(t, runSQL("c1", "create local temporary table scratch (x integer)"))
	require.NoError(t, runSQL("c1", "insert into scratch values (1)"))
	// the temporary table is invisible on the parallel session
	err := runSQL("c2", "select x from scratch")
	require.Error(t, err)
}

func TestImpersonationUserReachesDelegate(t *testing.T) {
	var gotUser string
	store := session.NewStore(memengine.New(), session.Options{
		Delegation: func(ctx context.Context, user, remoteAddr string, action func(context.Context) error) error {
			gotUser = user
			return action(ctx)
		},
	})
	t.Cleanup(store.Close)
	srv := NewServer(Config{Host: "127.0.0.1", Port: 0}, store)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	url := fmt.Sprintf("http://%s", srv.Addr().String())

	cl := NewClient(url, WithBasicAuth("alice", "secret"))
	require.NoError(t, openConn(cl, "c1"))
	_, err := cl.Call(context.Background(), &message.TypeInfoRequest{ConnectionID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", gotUser)
}

func TestAdvertisedAddress(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)
	// wildcard binds report the resolved local hostname
	assert.Equal(t, hostname+":8765", AdvertisedAddress("0.0.0.0", 8765))
	assert.Equal(t, hostname+":8765", AdvertisedAddress("", 8765))
	// specific binds report the bound interface
	assert.Equal(t, "10.1.2.3:8765", AdvertisedAddress("10.1.2.3", 8765))
}

func TestServerAddressMatchesBoundInterface(t *testing.T) {
	srv, url := startServer(t, session.Options{})
	cl := NewClient(url)
	resp, err := cl.Call(context.Background(), &message.OpenConnectionRequest{ConnectionID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, srv.Service().ServerAddress(),
		resp.(*message.OpenConnectionResponse).RPCMetadata.ServerAddress)
	assert.True(t, strings.HasPrefix(srv.Service().ServerAddress(), "127.0.0.1:"))
}

func TestStartStop(t *testing.T) {
	store := session.NewStore(memengine.New(), session.Options{})
	t.Cleanup(store.Close)
	srv := NewServer(Config{Host: "127.0.0.1", Port: 0, GracefulShutdown: time.Second}, store)
	require.NoError(t, srv.Start())
	require.Error(t, srv.Start(), "double start is rejected")
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop(), "double stop is idempotent")
}

func TestTypedValuesOverTheWire(t *testing.T) {
	_, url := startServer(t, session.Options{})
	cl := NewClient(url, WithBinary())
	ctx := context.Background()

	require.NoError(t, openConn(cl, "c1"))
	exec := func(sqlText string) *message.ExecuteResponse {
		resp, err := cl.Call(ctx, &message.CreateStatementRequest{ConnectionID: "c1"})
		require.NoError(t, err)
		stmtID := resp.(*message.CreateStatementResponse).StatementID
		resp, err = cl.Call(ctx, &message.PrepareAndExecuteRequest{
			ConnectionID: "c1", StatementID: stmtID, SQL: sqlText,
		})
		require.NoError(t, err, "executing %s", sqlText)
		return resp.(*message.ExecuteResponse)
	}

	exec("create table mix (d decimal(12, 5), s varchar(64), b varbinary(8))")
	exec("insert into mix values (12345.67890, '您好', 'asdf')")
	result := exec("select d, s, b from mix")
	require.Len(t, result.Results, 1)
	rows := result.Results[0].FirstFrame.Rows
	require.Len(t, rows, 1)

	assert.Equal(t, typedvalue.RepBigDecimal, rows[0][0].Rep)
	assert.Equal(t, "12345.67890", rows[0][0].DecimalString())
	assert.Equal(t, "您好", rows[0][1].Str)
	assert.Equal(t, "asdf", rows[0][2].AsString())
}

func openConn(cl *Client, connID string) error {
	_, err := cl.Call(context.Background(), &message.OpenConnectionRequest{ConnectionID: connID})
	return err
}
