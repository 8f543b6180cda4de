package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrParse reports a malformed envelope
	ErrParse = errors.New("malformed message")
	// ErrUnknownMessage reports an unrecognized discriminator
	ErrUnknownMessage = errors.New("unknown message type")
)

var requestFactories = map[string]func() Request{
	"openConnection":         func() Request { return &OpenConnectionRequest{} },
	"closeConnection":        func() Request { return &CloseConnectionRequest{} },
	"connectionSync":         func() Request { return &ConnectionSyncRequest{} },
	"databaseProperties":     func() Request { return &DatabasePropertyRequest{} },
	"getSchemas":             func() Request { return &SchemasRequest{} },
	"getTables":              func() Request { return &TablesRequest{} },
	"getColumns":             func() Request { return &ColumnsRequest{} },
	"getTypeInfo":            func() Request { return &TypeInfoRequest{} },
	"getCatalogs":            func() Request { return &CatalogsRequest{} },
	"getTableTypes":          func() Request { return &TableTypesRequest{} },
	"createStatement":        func() Request { return &CreateStatementRequest{} },
	"closeStatement":         func() Request { return &CloseStatementRequest{} },
	"prepare":                func() Request { return &PrepareRequest{} },
	"execute":                func() Request { return &ExecuteRequest{} },
	"prepareAndExecute":      func() Request { return &PrepareAndExecuteRequest{} },
	"prepareAndExecuteBatch": func() Request { return &PrepareAndExecuteBatchRequest{} },
	"executeBatch":           func() Request { return &ExecuteBatchRequest{} },
	"fetch":                  func() Request { return &FetchRequest{} },
	"syncResults":            func() Request { return &SyncResultsRequest{} },
	"commit":                 func() Request { return &CommitRequest{} },
	"rollback":               func() Request { return &RollbackRequest{} },
	"cancelStatement":        func() Request { return &CancelStatementRequest{} },
}

var responseFactories = map[string]func() Response{
	"openConnection":     func() Response { return &OpenConnectionResponse{} },
	"closeConnection":    func() Response { return &CloseConnectionResponse{} },
	"connectionSync":     func() Response { return &ConnectionSyncResponse{} },
	"databaseProperties": func() Response { return &DatabasePropertyResponse{} },
	"resultSet":          func() Response { return &ResultSetResponse{} },
	"createStatement":    func() Response { return &CreateStatementResponse{} },
	"closeStatement":     func() Response { return &CloseStatementResponse{} },
	"prepare":            func() Response { return &PrepareResponse{} },
	"executeResults":     func() Response { return &ExecuteResponse{} },
	"executeBatch":       func() Response { return &ExecuteBatchResponse{} },
	"fetch":              func() Response { return &FetchResponse{} },
	"syncResults":        func() Response { return &SyncResultsResponse{} },
	"commit":             func() Response { return &CommitResponse{} },
	"rollback":           func() Response { return &RollbackResponse{} },
	"cancelStatement":    func() Response { return &CancelStatementResponse{} },
	"error":              func() Response { return &ErrorResponse{} },
}

// JSONTranslator is the textual serializer: a self-describing object with a
// discriminator property naming the variant.
type JSONTranslator struct{}

// SerializeRequest encodes a request with its "request" discriminator
func (JSONTranslator) SerializeRequest(r Request) ([]byte, error) {
	return jsonEnvelope("request", RequestName(r), r)
}

// ParseRequest decodes a request, dispatching on the "request" discriminator
func (JSONTranslator) ParseRequest(data []byte) (Request, error) {
	name, err := jsonDiscriminator(data, "request")
	if err != nil {
		return nil, err
	}
	factory, ok := requestFactories[name]
	if !ok {
		return nil, fmt.Errorf("%w: request %q", ErrUnknownMessage, name)
	}
	r := factory()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: Illegal character or value in request body: %v", ErrParse, err)
	}
	return r, nil
}

// SerializeResponse encodes a response with its "response" discriminator
func (JSONTranslator) SerializeResponse(r Response) ([]byte, error) {
	return jsonEnvelope("response", ResponseName(r), r)
}

// ParseResponse decodes a response, dispatching on the "response" discriminator
func (JSONTranslator) ParseResponse(data []byte) (Response, error) {
	name, err := jsonDiscriminator(data, "response")
	if err != nil {
		return nil, err
	}
	factory, ok := responseFactories[name]
	if !ok {
		return nil, fmt.Errorf("%w: response %q", ErrUnknownMessage, name)
	}
	r := factory()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: Illegal character or value in response body: %v", ErrParse, err)
	}
	return r, nil
}

// ErrorToWire renders an ErrorResponse for transport-level failures
func (t JSONTranslator) ErrorToWire(e *ErrorResponse) []byte {
	b, err := t.SerializeResponse(e)
	if err != nil {
		// the envelope itself is static, only the strings vary
		b, _ = json.Marshal(map[string]string{"response": "error", "errorMessage": e.ErrorMessage})
	}
	return b
}

func jsonEnvelope(key, name string, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields[key] = json.RawMessage(strconv.Quote(name))
	return json.Marshal(fields)
}

func jsonDiscriminator(data []byte, key string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("%w: Illegal character in message: %v", ErrParse, err)
	}
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q discriminator", ErrParse, key)
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("%w: Illegal character in %q discriminator: %v", ErrParse, key, err)
	}
	return name, nil
}
