package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

func boolPtr(v bool) *bool    { return &v }
func int32Ptr(v int32) *int32 { return &v }
func strPtr(v string) *string { return &v }

func sampleSignature() *Signature {
	return &Signature{
		Columns: []typedvalue.ColumnMetaData{
			{Name: "id", Label: "ID", TypeCode: typedvalue.TypeInteger, TypeName: "INTEGER", Signed: true},
			{Name: "name", Label: "NAME", TypeCode: typedvalue.TypeVarchar, TypeName: "VARCHAR", Precision: 64, Nullable: true},
		},
		SQL: "select id, name from emp where id = ?",
		Parameters: []typedvalue.Parameter{
			{TypeCode: typedvalue.TypeInteger, TypeName: "INTEGER", Precision: 10},
		},
	}
}

func sampleFrame() *typedvalue.Frame {
	return &typedvalue.Frame{
		Offset: 0,
		Done:   true,
		Rows: []typedvalue.Row{
			{typedvalue.FromInteger(1), typedvalue.FromString("alice")},
			{typedvalue.FromInteger(2), typedvalue.Null()},
		},
	}
}

func sampleRequests() []Request {
	props := ConnectionProperties{
		AutoCommit:           boolPtr(false),
		ReadOnly:             boolPtr(true),
		TransactionIsolation: int32Ptr(2),
		Catalog:              strPtr("CAT"),
		Schema:               strPtr("PUBLIC"),
		Dirty:                true,
	}
	return []Request{
		&OpenConnectionRequest{ConnectionID: "c1", Info: map[string]string{"user": "alice", "schema": "s"}},
		&CloseConnectionRequest{ConnectionID: "c1"},
		&ConnectionSyncRequest{ConnectionID: "c1", ConnProps: props},
		&DatabasePropertyRequest{ConnectionID: "c1", Name: "AVATICA_VERSION"},
		&SchemasRequest{ConnectionID: "c1", Catalog: "CAT", SchemaPattern: "PU%"},
		&TablesRequest{ConnectionID: "c1", Catalog: "CAT", SchemaPattern: "%", TableNamePattern: "emp%", TypeList: []string{"TABLE", "VIEW"}},
		&ColumnsRequest{ConnectionID: "c1", SchemaPattern: "%", TableNamePattern: "emp", ColumnNamePattern: "%"},
		&TypeInfoRequest{ConnectionID: "c1"},
		&CatalogsRequest{ConnectionID: "c1"},
		&TableTypesRequest{ConnectionID: "c1"},
		&CreateStatementRequest{ConnectionID: "c1"},
		&CloseStatementRequest{ConnectionID: "c1", StatementID: 7},
		&PrepareRequest{ConnectionID: "c1", SQL: "select 1", MaxRowCount: -1},
		&ExecuteRequest{
			StatementHandle:   StatementHandle{ConnectionID: "c1", ID: 7, Signature: sampleSignature()},
			ParameterValues:   []typedvalue.TypedValue{typedvalue.FromInteger(42)},
			FirstFrameMaxSize: 100,
		},
		&PrepareAndExecuteRequest{ConnectionID: "c1", StatementID: 7, SQL: "select 1", MaxRowCount: 500, FirstFrameMaxSize: 100},
		&PrepareAndExecuteBatchRequest{ConnectionID: "c1", StatementID: 7, SQLCommands: []string{"insert into t values (1)", "insert into t values (2)"}},
		&ExecuteBatchRequest{ConnectionID: "c1", StatementID: 7, ParameterValues: [][]typedvalue.TypedValue{
			{typedvalue.FromInteger(1)},
			{typedvalue.FromInteger(2)},
		}},
		&FetchRequest{ConnectionID: "c1", StatementID: 7, Offset: 100, FrameMaxSize: 50},
		&SyncResultsRequest{ConnectionID: "c1", StatementID: 7, State: QueryState{Type: "sql", SQL: "select 1"}, Offset: 200},
		&CommitRequest{ConnectionID: "c1"},
		&RollbackRequest{ConnectionID: "c1"},
		&CancelStatementRequest{ConnectionID: "c1", StatementID: 7},
	}
}

func sampleResponses() []Response {
	meta := &RPCMetadata{ServerAddress: "host:8765"}
	props := ConnectionProperties{AutoCommit: boolPtr(true), ReadOnly: boolPtr(false), TransactionIsolation: int32Ptr(2)}
	rs := &ResultSetResponse{
		ConnectionID: "c1", StatementID: 7, OwnStatement: true,
		Signature: sampleSignature(), FirstFrame: sampleFrame(), UpdateCount: -1,
		RPCMetadata: meta,
	}
	return []Response{
		&OpenConnectionResponse{RPCMetadata: meta},
		&CloseConnectionResponse{RPCMetadata: meta},
		&ConnectionSyncResponse{ConnProps: props, RPCMetadata: meta},
		&DatabasePropertyResponse{Props: map[string]typedvalue.TypedValue{
			"AVATICA_VERSION": typedvalue.FromString(ProtocolVersion),
			"MAX_CONNECTIONS": typedvalue.FromString("1000"),
		}, RPCMetadata: meta},
		rs,
		&CreateStatementResponse{ConnectionID: "c1", StatementID: 7, RPCMetadata: meta},
		&CloseStatementResponse{RPCMetadata: meta},
		&PrepareResponse{Statement: StatementHandle{ConnectionID: "c1", ID: 7, Signature: sampleSignature()}, RPCMetadata: meta},
		&ExecuteResponse{Results: []*ResultSetResponse{rs}, RPCMetadata: meta},
		&ExecuteBatchResponse{ConnectionID: "c1", StatementID: 7, UpdateCounts: []int64{1, 1, -1}, RPCMetadata: meta},
		&FetchResponse{Frame: sampleFrame(), RPCMetadata: meta},
		&SyncResultsResponse{Missed: true, Moved: false, RPCMetadata: meta},
		&CommitResponse{RPCMetadata: meta},
		&RollbackResponse{RPCMetadata: meta},
		&CancelStatementResponse{RPCMetadata: meta},
		&ErrorResponse{
			ErrorMessage: "boom", ErrorCode: UnknownErrorCode, SQLState: UnknownSQLState,
			Severity: SeverityError, StackTraces: []string{"boom", "cause"}, RPCMetadata: meta,
		},
	}
}

func translators() map[string]Translator {
	return map[string]Translator{
		"json":   JSONTranslator{},
		"binary": BinaryTranslator{},
	}
}

func TestRequestRoundTrip(t *testing.T) {
	for name, tr := range translators() {
		for _, req := range sampleRequests() {
			data, err := tr.SerializeRequest(req)
			require.NoError(t, err, "%s serializing %s", name, RequestName(req))
			back, err := tr.ParseRequest(data)
			require.NoError(t, err, "%s parsing %s", name, RequestName(req))
			assert.Equal(t, req, back, "%s round trip of %s", name, RequestName(req))
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	for name, tr := range translators() {
		for _, resp := range sampleResponses() {
			data, err := tr.SerializeResponse(resp)
			require.NoError(t, err, "%s serializing %s", name, ResponseName(resp))
			back, err := tr.ParseResponse(data)
			require.NoError(t, err, "%s parsing %s", name, ResponseName(resp))
			assert.Equal(t, resp, back, "%s round trip of %s", name, ResponseName(resp))
		}
	}
}

func TestUnknownDiscriminator(t *testing.T) {
	jt := JSONTranslator{}
	_, err := jt.ParseRequest([]byte(`{"request":"frobnicate"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = jt.ParseResponse([]byte(`{"response":"frobnicate"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	bt := BinaryTranslator{}
	data, err := bt.SerializeRequest(&CommitRequest{ConnectionID: "c"})
	require.NoError(t, err)
	// rewrap the body under an unknown name
	name, body, err := openEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, "commit", name)
	_, err = bt.ParseRequest(envelope("frobnicate", body))
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMalformedTextualInput(t *testing.T) {
	jt := JSONTranslator{}
	_, err := jt.ParseRequest([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Illegal character")
}

func TestMalformedBinaryInput(t *testing.T) {
	bt := BinaryTranslator{}
	_, err := bt.ParseRequest([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tag")
}

func TestRemoteErrorCauseChain(t *testing.T) {
	remote := FromErrorResponse(&ErrorResponse{
		ErrorMessage: "top",
		ErrorCode:    UnknownErrorCode,
		SQLState:     UnknownSQLState,
		StackTraces:  []string{"top", "middle", "root"},
	})
	assert.Equal(t, "top", remote.Error())
	assert.Equal(t, "top -> middle -> root", remote.CauseChain())
	assert.Len(t, remote.StackTraces, 3)
}
