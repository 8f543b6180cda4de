// Package message defines the closed sets of protocol requests and
// responses, plus two interchangeable translators: a self-describing
// textual form and a compact tagged binary form.
package message

import (
	"strings"

	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

// ProtocolVersion is the build constant reported as AVATICA_VERSION by
// the server.
const ProtocolVersion = "1.26.0"

// Request is one member of the closed request set
type Request interface {
	requestName() string
}

// Response is one member of the closed response set
type Response interface {
	responseName() string
}

// Translator converts between wire bytes and message objects. The two
// implementations, JSONTranslator and BinaryTranslator, are interchangeable
// and lossless: Parse(Serialize(m)) yields an equal message for every
// variant.
type Translator interface {
	SerializeRequest(Request) ([]byte, error)
	ParseRequest([]byte) (Request, error)
	SerializeResponse(Response) ([]byte, error)
	ParseResponse([]byte) (Response, error)
	ErrorToWire(*ErrorResponse) []byte
}

// RPCMetadata is the envelope attached to every response. ServerAddress is
// "<hostname>:<port>" so clients can pin affinity.
type RPCMetadata struct {
	ServerAddress string `json:"serverAddress"`
}

// ConnectionProperties is the client-visible view of per-connection
// properties. Pointer fields distinguish "unset" from a zero value; Dirty
// mirrors the server-side dirty bit so clients can skip no-op syncs.
type ConnectionProperties struct {
	AutoCommit           *bool   `json:"autoCommit,omitempty"`
	ReadOnly             *bool   `json:"readOnly,omitempty"`
	TransactionIsolation *int32  `json:"transactionIsolation,omitempty"`
	Catalog              *string `json:"catalog,omitempty"`
	Schema               *string `json:"schema,omitempty"`
	Dirty                bool    `json:"dirty"`
}

// Signature is a prepared statement's parameter and column signature
type Signature struct {
	Columns    []typedvalue.ColumnMetaData `json:"columns"`
	SQL        string                      `json:"sql,omitempty"`
	Parameters []typedvalue.Parameter      `json:"parameters"`
}

// StatementHandle identifies a server-side statement
type StatementHandle struct {
	ConnectionID string     `json:"connectionId"`
	ID           uint32     `json:"id"`
	Signature    *Signature `json:"signature,omitempty"`
}

// Requests

type OpenConnectionRequest struct {
	ConnectionID string            `json:"connectionId"`
	Info         map[string]string `json:"info,omitempty"`
}

type CloseConnectionRequest struct {
	ConnectionID string `json:"connectionId"`
}

type ConnectionSyncRequest struct {
	ConnectionID string               `json:"connectionId"`
	ConnProps    ConnectionProperties `json:"connProps"`
}

type DatabasePropertyRequest struct {
	ConnectionID string `json:"connectionId"`
	// Name optionally restricts the reply to a single property
	Name string `json:"name,omitempty"`
}

type SchemasRequest struct {
	ConnectionID  string `json:"connectionId"`
	Catalog       string `json:"catalog,omitempty"`
	SchemaPattern string `json:"schemaPattern,omitempty"`
}

type TablesRequest struct {
	ConnectionID     string   `json:"connectionId"`
	Catalog          string   `json:"catalog,omitempty"`
	SchemaPattern    string   `json:"schemaPattern,omitempty"`
	TableNamePattern string   `json:"tableNamePattern,omitempty"`
	TypeList         []string `json:"typeList,omitempty"`
}

type ColumnsRequest struct {
	ConnectionID      string `json:"connectionId"`
	Catalog           string `json:"catalog,omitempty"`
	SchemaPattern     string `json:"schemaPattern,omitempty"`
	TableNamePattern  string `json:"tableNamePattern,omitempty"`
	ColumnNamePattern string `json:"columnNamePattern,omitempty"`
}

type TypeInfoRequest struct {
	ConnectionID string `json:"connectionId"`
}

type CatalogsRequest struct {
	ConnectionID string `json:"connectionId"`
}

type TableTypesRequest struct {
	ConnectionID string `json:"connectionId"`
}

type CreateStatementRequest struct {
	ConnectionID string `json:"connectionId"`
}

type CloseStatementRequest struct {
	ConnectionID string `json:"connectionId"`
	StatementID  uint32 `json:"statementId"`
}

type PrepareRequest struct {
	ConnectionID string `json:"connectionId"`
	SQL          string `json:"sql"`
	// MaxRowCount caps total rows; 0 and -1 both mean unbounded
	MaxRowCount int64 `json:"maxRowCount"`
}

type ExecuteRequest struct {
	StatementHandle   StatementHandle         `json:"statementHandle"`
	ParameterValues   []typedvalue.TypedValue `json:"parameterValues"`
	FirstFrameMaxSize int                     `json:"maxRowsInFirstFrame"`
}

type PrepareAndExecuteRequest struct {
	ConnectionID      string `json:"connectionId"`
	StatementID       uint32 `json:"statementId"`
	SQL               string `json:"sql"`
	MaxRowCount       int64  `json:"maxRowCount"`
	FirstFrameMaxSize int    `json:"maxRowsInFirstFrame"`
}

type PrepareAndExecuteBatchRequest struct {
	ConnectionID string   `json:"connectionId"`
	StatementID  uint32   `json:"statementId"`
	SQLCommands  []string `json:"sqlCommands"`
}

type ExecuteBatchRequest struct {
	ConnectionID    string                    `json:"connectionId"`
	StatementID     uint32                    `json:"statementId"`
	ParameterValues [][]typedvalue.TypedValue `json:"parameterValues"`
}

type FetchRequest struct {
	ConnectionID string `json:"connectionId"`
	StatementID  uint32 `json:"statementId"`
	Offset       int64  `json:"offset"`
	FrameMaxSize int    `json:"frameMaxSize"`
}

// QueryState captures how a result set was produced, so a cursor can be
// reconciled after the producing server restarted
type QueryState struct {
	// Type is "sql" or "metadata"
	Type string `json:"type"`
	SQL  string `json:"sql,omitempty"`
	// Op names the metadata operation for Type "metadata"
	Op string `json:"op,omitempty"`
}

type SyncResultsRequest struct {
	ConnectionID string     `json:"connectionId"`
	StatementID  uint32     `json:"statementId"`
	State        QueryState `json:"state"`
	Offset       int64      `json:"offset"`
}

type CommitRequest struct {
	ConnectionID string `json:"connectionId"`
}

type RollbackRequest struct {
	ConnectionID string `json:"connectionId"`
}

type CancelStatementRequest struct {
	ConnectionID string `json:"connectionId"`
	StatementID  uint32 `json:"statementId"`
}

// Responses

type OpenConnectionResponse struct {
	RPCMetadata *RPCMetadata `json:"rpcMetadata,omitempty"`
}

type CloseConnectionResponse struct {
	RPCMetadata *RPCMetadata `json:"rpcMetadata,omitempty"`
}

type ConnectionSyncResponse struct {
	ConnProps   ConnectionProperties `json:"connProps"`
	RPCMetadata *RPCMetadata         `json:"rpcMetadata,omitempty"`
}

type DatabasePropertyResponse struct {
	Props       map[string]typedvalue.TypedValue `json:"props"`
	RPCMetadata *RPCMetadata                     `json:"rpcMetadata,omitempty"`
}

// ResultSetResponse carries a column signature plus the first frame of a
// server-held cursor. UpdateCount is -1 for row-returning results.
type ResultSetResponse struct {
	ConnectionID string            `json:"connectionId"`
	StatementID  uint32            `json:"statementId"`
	OwnStatement bool              `json:"ownStatement"`
	Signature    *Signature        `json:"signature,omitempty"`
	FirstFrame   *typedvalue.Frame `json:"firstFrame,omitempty"`
	UpdateCount  int64             `json:"updateCount"`
	RPCMetadata  *RPCMetadata      `json:"rpcMetadata,omitempty"`
}

type CreateStatementResponse struct {
	ConnectionID string       `json:"connectionId"`
	StatementID  uint32       `json:"statementId"`
	RPCMetadata  *RPCMetadata `json:"rpcMetadata,omitempty"`
}

type CloseStatementResponse struct {
	RPCMetadata *RPCMetadata `json:"rpcMetadata,omitempty"`
}

type PrepareResponse struct {
	Statement   StatementHandle `json:"statement"`
	RPCMetadata *RPCMetadata    `json:"rpcMetadata,omitempty"`
}

type ExecuteResponse struct {
	Results          []*ResultSetResponse `json:"results"`
	MissingStatement bool                 `json:"missingStatement"`
	RPCMetadata      *RPCMetadata         `json:"rpcMetadata,omitempty"`
}

type ExecuteBatchResponse struct {
	ConnectionID     string       `json:"connectionId"`
	StatementID      uint32       `json:"statementId"`
	UpdateCounts     []int64      `json:"updateCounts"`
	MissingStatement bool         `json:"missingStatement"`
	RPCMetadata      *RPCMetadata `json:"rpcMetadata,omitempty"`
}

type FetchResponse struct {
	Frame            *typedvalue.Frame `json:"frame,omitempty"`
	MissingStatement bool              `json:"missingStatement"`
	MissingResults   bool              `json:"missingResults"`
	RPCMetadata      *RPCMetadata      `json:"rpcMetadata,omitempty"`
}

type SyncResultsResponse struct {
	Missed      bool         `json:"missed"`
	Moved       bool         `json:"moved"`
	RPCMetadata *RPCMetadata `json:"rpcMetadata,omitempty"`
}

type CommitResponse struct {
	RPCMetadata *RPCMetadata `json:"rpcMetadata,omitempty"`
}

type RollbackResponse struct {
	RPCMetadata *RPCMetadata `json:"rpcMetadata,omitempty"`
}

type CancelStatementResponse struct {
	RPCMetadata *RPCMetadata `json:"rpcMetadata,omitempty"`
}

// ErrorResponse is the wire error envelope. ErrorCode -1 and SQLState
// "00000" are the sentinel unknown values.
type ErrorResponse struct {
	ErrorMessage string       `json:"errorMessage"`
	ErrorCode    int          `json:"errorCode"`
	SQLState     string       `json:"sqlState"`
	Severity     string       `json:"severity"`
	StackTraces  []string     `json:"stackTraces"`
	RPCMetadata  *RPCMetadata `json:"rpcMetadata,omitempty"`
}

// Sentinel unknown values for the error envelope
const (
	UnknownErrorCode = -1
	UnknownSQLState  = "00000"

	SeverityUnknown = "UNKNOWN"
	SeverityFatal   = "FATAL"
	SeverityError   = "ERROR"
	SeverityWarning = "WARNING"
)

func (*OpenConnectionRequest) requestName() string         { return "openConnection" }
func (*CloseConnectionRequest) requestName() string        { return "closeConnection" }
func (*ConnectionSyncRequest) requestName() string         { return "connectionSync" }
func (*DatabasePropertyRequest) requestName() string       { return "databaseProperties" }
func (*SchemasRequest) requestName() string                { return "getSchemas" }
func (*TablesRequest) requestName() string                 { return "getTables" }
func (*ColumnsRequest) requestName() string                { return "getColumns" }
func (*TypeInfoRequest) requestName() string               { return "getTypeInfo" }
func (*CatalogsRequest) requestName() string               { return "getCatalogs" }
func (*TableTypesRequest) requestName() string             { return "getTableTypes" }
func (*CreateStatementRequest) requestName() string        { return "createStatement" }
func (*CloseStatementRequest) requestName() string         { return "closeStatement" }
func (*PrepareRequest) requestName() string                { return "prepare" }
func (*ExecuteRequest) requestName() string                { return "execute" }
func (*PrepareAndExecuteRequest) requestName() string      { return "prepareAndExecute" }
func (*PrepareAndExecuteBatchRequest) requestName() string { return "prepareAndExecuteBatch" }
func (*ExecuteBatchRequest) requestName() string           { return "executeBatch" }
func (*FetchRequest) requestName() string                  { return "fetch" }
func (*SyncResultsRequest) requestName() string            { return "syncResults" }
func (*CommitRequest) requestName() string                 { return "commit" }
func (*RollbackRequest) requestName() string               { return "rollback" }
func (*CancelStatementRequest) requestName() string        { return "cancelStatement" }

func (*OpenConnectionResponse) responseName() string   { return "openConnection" }
func (*CloseConnectionResponse) responseName() string  { return "closeConnection" }
func (*ConnectionSyncResponse) responseName() string   { return "connectionSync" }
func (*DatabasePropertyResponse) responseName() string { return "databaseProperties" }
func (*ResultSetResponse) responseName() string        { return "resultSet" }
func (*CreateStatementResponse) responseName() string  { return "createStatement" }
func (*CloseStatementResponse) responseName() string   { return "closeStatement" }
func (*PrepareResponse) responseName() string          { return "prepare" }
func (*ExecuteResponse) responseName() string          { return "executeResults" }
func (*ExecuteBatchResponse) responseName() string     { return "executeBatch" }
func (*FetchResponse) responseName() string            { return "fetch" }
func (*SyncResultsResponse) responseName() string      { return "syncResults" }
func (*CommitResponse) responseName() string           { return "commit" }
func (*RollbackResponse) responseName() string         { return "rollback" }
func (*CancelStatementResponse) responseName() string  { return "cancelStatement" }
func (*ErrorResponse) responseName() string            { return "error" }

// RequestName returns the wire discriminator of a request
func RequestName(r Request) string { return r.requestName() }

// ResponseName returns the wire discriminator of a response
func ResponseName(r Response) string { return r.responseName() }

// RemoteError is the client-side view of an ErrorResponse
type RemoteError struct {
	Message     string
	Code        int
	SQLState    string
	Severity    string
	StackTraces []string
}

// Error returns the server-supplied message
func (e *RemoteError) Error() string { return e.Message }

// CauseChain joins the server-side cause strings into one user-visible
// message; the individual entries stay accessible via StackTraces.
func (e *RemoteError) CauseChain() string {
	return strings.Join(e.StackTraces, " -> ")
}

// FromErrorResponse converts a wire error envelope into a RemoteError
func FromErrorResponse(r *ErrorResponse) *RemoteError {
	return &RemoteError{
		Message:     r.ErrorMessage,
		Code:        r.ErrorCode,
		SQLState:    r.SQLState,
		Severity:    r.Severity,
		StackTraces: append([]string{}, r.StackTraces...),
	}
}
