package message

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chrisdennis/calcite-avatica/pkg/typedvalue"
)

// BinaryTranslator is the compact serializer. The outer envelope wraps a
// variant-discriminator string and an opaque body; bodies are laid out as
// integer-tagged fields in protobuf wire format.
type BinaryTranslator struct{}

var errInvalidTag = fmt.Errorf("%w: contained an invalid tag", ErrParse)

// writer helpers; zero values are omitted, absent fields decode to zero

func wStr(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func wBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func wUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func wSint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func wMsg(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// reader walks the tagged fields of one message body

type reader struct{ b []byte }

func (r *reader) empty() bool { return len(r.b) == 0 }

func (r *reader) next() (protowire.Number, protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return 0, 0, errInvalidTag
	}
	r.b = r.b[n:]
	return num, typ, nil
}

func (r *reader) varint() (uint64, error) {
	u, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, errInvalidTag
	}
	r.b = r.b[n:]
	return u, nil
}

func (r *reader) sint() (int64, error) {
	u, err := r.varint()
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(u), nil
}

func (r *reader) boolean() (bool, error) {
	u, err := r.varint()
	return u != 0, err
}

func (r *reader) str() (string, error) {
	s, n := protowire.ConsumeString(r.b)
	if n < 0 {
		return "", errInvalidTag
	}
	r.b = r.b[n:]
	return s, nil
}

func (r *reader) bytes() ([]byte, error) {
	raw, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, errInvalidTag
	}
	r.b = r.b[n:]
	return raw, nil
}

func (r *reader) skip(num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		return errInvalidTag
	}
	r.b = r.b[n:]
	return nil
}

// envelope: 1 variant name, 2 body

func envelope(name string, body []byte) []byte {
	var b []byte
	b = wStr(b, 1, name)
	b = wMsg(b, 2, body)
	return b
}

func openEnvelope(data []byte) (string, []byte, error) {
	r := reader{data}
	var name string
	var body []byte
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return "", nil, err
		}
		switch num {
		case 1:
			if name, err = r.str(); err != nil {
				return "", nil, err
			}
		case 2:
			if body, err = r.bytes(); err != nil {
				return "", nil, err
			}
		default:
			if err = r.skip(num, typ); err != nil {
				return "", nil, err
			}
		}
	}
	if name == "" {
		return "", nil, fmt.Errorf("%w: envelope without a variant name", ErrParse)
	}
	return name, body, nil
}

// submessages

func marshalRPCMetadata(m *RPCMetadata) []byte {
	return wStr(nil, 1, m.ServerAddress)
}

func unmarshalRPCMetadata(b []byte) (*RPCMetadata, error) {
	m := &RPCMetadata{}
	r := reader{b}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return nil, err
		}
		if num == 1 {
			if m.ServerAddress, err = r.str(); err != nil {
				return nil, err
			}
			continue
		}
		if err = r.skip(num, typ); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// 1 hasAutoCommit 2 autoCommit 3 hasReadOnly 4 readOnly 5 hasIsolation
// 6 isolation 7 hasCatalog 8 catalog 9 hasSchema 10 schema 11 dirty
func marshalConnProps(p ConnectionProperties) []byte {
	var b []byte
	if p.AutoCommit != nil {
		b = wBool(b, 1, true)
		b = wBool(b, 2, *p.AutoCommit)
	}
	if p.ReadOnly != nil {
		b = wBool(b, 3, true)
		b = wBool(b, 4, *p.ReadOnly)
	}
	if p.TransactionIsolation != nil {
		b = wBool(b, 5, true)
		b = wSint(b, 6, int64(*p.TransactionIsolation))
	}
	if p.Catalog != nil {
		b = wBool(b, 7, true)
		b = wStr(b, 8, *p.Catalog)
	}
	if p.Schema != nil {
		b = wBool(b, 9, true)
		b = wStr(b, 10, *p.Schema)
	}
	b = wBool(b, 11, p.Dirty)
	return b
}

func unmarshalConnProps(b []byte) (ConnectionProperties, error) {
	var p ConnectionProperties
	var autoCommit, readOnly bool
	var isolation int64
	var catalog, schema string
	r := reader{b}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return p, err
		}
		switch num {
		case 1:
			if _, err = r.boolean(); err == nil {
				p.AutoCommit = &autoCommit
			}
		case 2:
			autoCommit, err = r.boolean()
		case 3:
			if _, err = r.boolean(); err == nil {
				p.ReadOnly = &readOnly
			}
		case 4:
			readOnly, err = r.boolean()
		case 5:
			var iso32 int32
			if _, err = r.boolean(); err == nil {
				p.TransactionIsolation = &iso32
			}
		case 6:
			isolation, err = r.sint()
		case 7:
			if _, err = r.boolean(); err == nil {
				p.Catalog = &catalog
			}
		case 8:
			catalog, err = r.str()
		case 9:
			if _, err = r.boolean(); err == nil {
				p.Schema = &schema
			}
		case 10:
			schema, err = r.str()
		case 11:
			p.Dirty, err = r.boolean()
		default:
			err = r.skip(num, typ)
		}
		if err != nil {
			return p, err
		}
	}
	if p.TransactionIsolation != nil {
		*p.TransactionIsolation = int32(isolation)
	}
	return p, nil
}

// 1 columns 2 sql 3 parameters
func marshalSignature(s *Signature) []byte {
	var b []byte
	for _, c := range s.Columns {
		b = wMsg(b, 1, typedvalue.MarshalColumn(c))
	}
	b = wStr(b, 2, s.SQL)
	for _, p := range s.Parameters {
		b = wMsg(b, 3, typedvalue.MarshalParameter(p))
	}
	return b
}

func unmarshalSignature(b []byte) (*Signature, error) {
	s := &Signature{}
	r := reader{b}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			c, err := typedvalue.UnmarshalColumn(raw)
			if err != nil {
				return nil, errInvalidTag
			}
			s.Columns = append(s.Columns, c)
		case 2:
			if s.SQL, err = r.str(); err != nil {
				return nil, err
			}
		case 3:
			raw, err := r.bytes()
			if err != nil {
				return nil, err
			}
			p, err := typedvalue.UnmarshalParameter(raw)
			if err != nil {
				return nil, errInvalidTag
			}
			s.Parameters = append(s.Parameters, p)
		default:
			if err = r.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// 1 connectionId 2 id 3 signature
func marshalHandle(h StatementHandle) []byte {
	var b []byte
	b = wStr(b, 1, h.ConnectionID)
	b = wUint(b, 2, uint64(h.ID))
	if h.Signature != nil {
		b = wMsg(b, 3, marshalSignature(h.Signature))
	}
	return b
}

func unmarshalHandle(b []byte) (StatementHandle, error) {
	var h StatementHandle
	r := reader{b}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return h, err
		}
		switch num {
		case 1:
			h.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				h.ID = uint32(u)
			}
		case 3:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				h.Signature, err = unmarshalSignature(raw)
			}
		default:
			err = r.skip(num, typ)
		}
		if err != nil {
			return h, err
		}
	}
	return h, nil
}

// 1 type 2 sql 3 op
func marshalQueryState(s QueryState) []byte {
	var b []byte
	b = wStr(b, 1, s.Type)
	b = wStr(b, 2, s.SQL)
	b = wStr(b, 3, s.Op)
	return b
}

func unmarshalQueryState(b []byte) (QueryState, error) {
	var s QueryState
	r := reader{b}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return s, err
		}
		switch num {
		case 1:
			s.Type, err = r.str()
		case 2:
			s.SQL, err = r.str()
		case 3:
			s.Op, err = r.str()
		default:
			err = r.skip(num, typ)
		}
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

// 1 values (one parameter row)
func marshalValueRow(row []typedvalue.TypedValue) ([]byte, error) {
	var b []byte
	for _, v := range row {
		vb, err := typedvalue.MarshalTypedValue(v)
		if err != nil {
			return nil, err
		}
		b = wMsg(b, 1, vb)
	}
	return b, nil
}

func unmarshalValueRow(b []byte) ([]typedvalue.TypedValue, error) {
	var row []typedvalue.TypedValue
	r := reader{b}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return nil, err
		}
		if num != 1 {
			if err = r.skip(num, typ); err != nil {
				return nil, err
			}
			continue
		}
		raw, err := r.bytes()
		if err != nil {
			return nil, err
		}
		v, err := typedvalue.UnmarshalTypedValue(raw)
		if err != nil {
			return nil, errInvalidTag
		}
		row = append(row, v)
	}
	return row, nil
}

// SerializeRequest encodes a request into the tagged binary envelope
func (BinaryTranslator) SerializeRequest(req Request) ([]byte, error) {
	var body []byte
	var err error
	switch m := req.(type) {
	case *OpenConnectionRequest:
		body = wStr(nil, 1, m.ConnectionID)
		for _, k := range sortedKeys(m.Info) {
			var e []byte
			e = wStr(e, 1, k)
			e = wStr(e, 2, m.Info[k])
			body = wMsg(body, 2, e)
		}
	case *CloseConnectionRequest:
		body = wStr(nil, 1, m.ConnectionID)
	case *ConnectionSyncRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wMsg(body, 2, marshalConnProps(m.ConnProps))
	case *DatabasePropertyRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wStr(body, 2, m.Name)
	case *SchemasRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wStr(body, 2, m.Catalog)
		body = wStr(body, 3, m.SchemaPattern)
	case *TablesRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wStr(body, 2, m.Catalog)
		body = wStr(body, 3, m.SchemaPattern)
		body = wStr(body, 4, m.TableNamePattern)
		for _, t := range m.TypeList {
			body = wMsg(body, 5, []byte(t))
		}
	case *ColumnsRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wStr(body, 2, m.Catalog)
		body = wStr(body, 3, m.SchemaPattern)
		body = wStr(body, 4, m.TableNamePattern)
		body = wStr(body, 5, m.ColumnNamePattern)
	case *TypeInfoRequest:
		body = wStr(nil, 1, m.ConnectionID)
	case *CatalogsRequest:
		body = wStr(nil, 1, m.ConnectionID)
	case *TableTypesRequest:
		body = wStr(nil, 1, m.ConnectionID)
	case *CreateStatementRequest:
		body = wStr(nil, 1, m.ConnectionID)
	case *CloseStatementRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
	case *PrepareRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wStr(body, 2, m.SQL)
		body = wSint(body, 3, m.MaxRowCount)
	case *ExecuteRequest:
		body = wMsg(nil, 1, marshalHandle(m.StatementHandle))
		for _, v := range m.ParameterValues {
			vb, err := typedvalue.MarshalTypedValue(v)
			if err != nil {
				return nil, err
			}
			body = wMsg(body, 2, vb)
		}
		body = wUint(body, 3, uint64(m.FirstFrameMaxSize))
	case *PrepareAndExecuteRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
		body = wStr(body, 3, m.SQL)
		body = wSint(body, 4, m.MaxRowCount)
		body = wUint(body, 5, uint64(m.FirstFrameMaxSize))
	case *PrepareAndExecuteBatchRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
		for _, s := range m.SQLCommands {
			body = wMsg(body, 3, []byte(s))
		}
	case *ExecuteBatchRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
		for _, row := range m.ParameterValues {
			rb, err := marshalValueRow(row)
			if err != nil {
				return nil, err
			}
			body = wMsg(body, 3, rb)
		}
	case *FetchRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
		body = wSint(body, 3, m.Offset)
		body = wUint(body, 4, uint64(m.FrameMaxSize))
	case *SyncResultsRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
		body = wMsg(body, 3, marshalQueryState(m.State))
		body = wSint(body, 4, m.Offset)
	case *CommitRequest:
		body = wStr(nil, 1, m.ConnectionID)
	case *RollbackRequest:
		body = wStr(nil, 1, m.ConnectionID)
	case *CancelStatementRequest:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, req)
	}
	if err != nil {
		return nil, err
	}
	return envelope(RequestName(req), body), nil
}

// ParseRequest decodes a request from the tagged binary envelope
func (BinaryTranslator) ParseRequest(data []byte) (Request, error) {
	name, body, err := openEnvelope(data)
	if err != nil {
		return nil, err
	}
	factory, ok := requestFactories[name]
	if !ok {
		return nil, fmt.Errorf("%w: request %q", ErrUnknownMessage, name)
	}
	req := factory()
	r := reader{body}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return nil, err
		}
		if err := parseRequestField(req, num, typ, &r); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func parseRequestField(req Request, num protowire.Number, typ protowire.Type, r *reader) error {
	var err error
	switch m := req.(type) {
	case *OpenConnectionRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				var k, v string
				e := reader{raw}
				for !e.empty() {
					enum, etyp, eerr := e.next()
					if eerr != nil {
						return eerr
					}
					switch enum {
					case 1:
						k, eerr = e.str()
					case 2:
						v, eerr = e.str()
					default:
						eerr = e.skip(enum, etyp)
					}
					if eerr != nil {
						return eerr
					}
				}
				if m.Info == nil {
					m.Info = map[string]string{}
				}
				m.Info[k] = v
			}
		default:
			err = r.skip(num, typ)
		}
	case *CloseConnectionRequest:
		err = oneStringField(&m.ConnectionID, num, typ, r)
	case *ConnectionSyncRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				m.ConnProps, err = unmarshalConnProps(raw)
			}
		default:
			err = r.skip(num, typ)
		}
	case *DatabasePropertyRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			m.Name, err = r.str()
		default:
			err = r.skip(num, typ)
		}
	case *SchemasRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			m.Catalog, err = r.str()
		case 3:
			m.SchemaPattern, err = r.str()
		default:
			err = r.skip(num, typ)
		}
	case *TablesRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			m.Catalog, err = r.str()
		case 3:
			m.SchemaPattern, err = r.str()
		case 4:
			m.TableNamePattern, err = r.str()
		case 5:
			var s string
			if s, err = r.str(); err == nil {
				m.TypeList = append(m.TypeList, s)
			}
		default:
			err = r.skip(num, typ)
		}
	case *ColumnsRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			m.Catalog, err = r.str()
		case 3:
			m.SchemaPattern, err = r.str()
		case 4:
			m.TableNamePattern, err = r.str()
		case 5:
			m.ColumnNamePattern, err = r.str()
		default:
			err = r.skip(num, typ)
		}
	case *TypeInfoRequest:
		err = oneStringField(&m.ConnectionID, num, typ, r)
	case *CatalogsRequest:
		err = oneStringField(&m.ConnectionID, num, typ, r)
	case *TableTypesRequest:
		err = oneStringField(&m.ConnectionID, num, typ, r)
	case *CreateStatementRequest:
		err = oneStringField(&m.ConnectionID, num, typ, r)
	case *CloseStatementRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		default:
			err = r.skip(num, typ)
		}
	case *PrepareRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			m.SQL, err = r.str()
		case 3:
			m.MaxRowCount, err = r.sint()
		default:
			err = r.skip(num, typ)
		}
	case *ExecuteRequest:
		switch num {
		case 1:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				m.StatementHandle, err = unmarshalHandle(raw)
			}
		case 2:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				var v typedvalue.TypedValue
				if v, err = typedvalue.UnmarshalTypedValue(raw); err == nil {
					m.ParameterValues = append(m.ParameterValues, v)
				} else {
					err = errInvalidTag
				}
			}
		case 3:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.FirstFrameMaxSize = int(u)
			}
		default:
			err = r.skip(num, typ)
		}
	case *PrepareAndExecuteRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		case 3:
			m.SQL, err = r.str()
		case 4:
			m.MaxRowCount, err = r.sint()
		case 5:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.FirstFrameMaxSize = int(u)
			}
		default:
			err = r.skip(num, typ)
		}
	case *PrepareAndExecuteBatchRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		case 3:
			var s string
			if s, err = r.str(); err == nil {
				m.SQLCommands = append(m.SQLCommands, s)
			}
		default:
			err = r.skip(num, typ)
		}
	case *ExecuteBatchRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		case 3:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				var row []typedvalue.TypedValue
				if row, err = unmarshalValueRow(raw); err == nil {
					m.ParameterValues = append(m.ParameterValues, row)
				}
			}
		default:
			err = r.skip(num, typ)
		}
	case *FetchRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		case 3:
			m.Offset, err = r.sint()
		case 4:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.FrameMaxSize = int(u)
			}
		default:
			err = r.skip(num, typ)
		}
	case *SyncResultsRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		case 3:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				m.State, err = unmarshalQueryState(raw)
			}
		case 4:
			m.Offset, err = r.sint()
		default:
			err = r.skip(num, typ)
		}
	case *CommitRequest:
		err = oneStringField(&m.ConnectionID, num, typ, r)
	case *RollbackRequest:
		err = oneStringField(&m.ConnectionID, num, typ, r)
	case *CancelStatementRequest:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		default:
			err = r.skip(num, typ)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, req)
	}
	return err
}

func oneStringField(dst *string, num protowire.Number, typ protowire.Type, r *reader) error {
	if num == 1 {
		s, err := r.str()
		if err != nil {
			return err
		}
		*dst = s
		return nil
	}
	return r.skip(num, typ)
}

// SerializeResponse encodes a response into the tagged binary envelope
func (t BinaryTranslator) SerializeResponse(resp Response) ([]byte, error) {
	var body []byte
	switch m := resp.(type) {
	case *OpenConnectionResponse:
		body = appendMeta(nil, 1, m.RPCMetadata)
	case *CloseConnectionResponse:
		body = appendMeta(nil, 1, m.RPCMetadata)
	case *ConnectionSyncResponse:
		body = wMsg(nil, 1, marshalConnProps(m.ConnProps))
		body = appendMeta(body, 2, m.RPCMetadata)
	case *DatabasePropertyResponse:
		for _, k := range sortedKeys(m.Props) {
			vb, err := typedvalue.MarshalTypedValue(m.Props[k])
			if err != nil {
				return nil, err
			}
			var e []byte
			e = wStr(e, 1, k)
			e = wMsg(e, 2, vb)
			body = wMsg(body, 1, e)
		}
		body = appendMeta(body, 2, m.RPCMetadata)
	case *ResultSetResponse:
		b, err := marshalResultSet(m)
		if err != nil {
			return nil, err
		}
		body = b
	case *CreateStatementResponse:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
		body = appendMeta(body, 3, m.RPCMetadata)
	case *CloseStatementResponse:
		body = appendMeta(nil, 1, m.RPCMetadata)
	case *PrepareResponse:
		body = wMsg(nil, 1, marshalHandle(m.Statement))
		body = appendMeta(body, 2, m.RPCMetadata)
	case *ExecuteResponse:
		for _, rs := range m.Results {
			b, err := marshalResultSet(rs)
			if err != nil {
				return nil, err
			}
			body = wMsg(body, 1, b)
		}
		body = wBool(body, 2, m.MissingStatement)
		body = appendMeta(body, 3, m.RPCMetadata)
	case *ExecuteBatchResponse:
		body = wStr(nil, 1, m.ConnectionID)
		body = wUint(body, 2, uint64(m.StatementID))
		// zero counts are real values in a repeated field, so no omission
		for _, c := range m.UpdateCounts {
			body = protowire.AppendTag(body, 3, protowire.VarintType)
			body = protowire.AppendVarint(body, protowire.EncodeZigZag(c))
		}
		body = wBool(body, 4, m.MissingStatement)
		body = appendMeta(body, 5, m.RPCMetadata)
	case *FetchResponse:
		if m.Frame != nil {
			fb, err := typedvalue.MarshalFrame(*m.Frame)
			if err != nil {
				return nil, err
			}
			body = wMsg(body, 1, fb)
		}
		body = wBool(body, 2, m.MissingStatement)
		body = wBool(body, 3, m.MissingResults)
		body = appendMeta(body, 4, m.RPCMetadata)
	case *SyncResultsResponse:
		body = wBool(nil, 1, m.Missed)
		body = wBool(body, 2, m.Moved)
		body = appendMeta(body, 3, m.RPCMetadata)
	case *CommitResponse:
		body = appendMeta(nil, 1, m.RPCMetadata)
	case *RollbackResponse:
		body = appendMeta(nil, 1, m.RPCMetadata)
	case *CancelStatementResponse:
		body = appendMeta(nil, 1, m.RPCMetadata)
	case *ErrorResponse:
		body = wStr(nil, 1, m.ErrorMessage)
		body = wSint(body, 2, int64(m.ErrorCode))
		body = wStr(body, 3, m.SQLState)
		body = wStr(body, 4, m.Severity)
		for _, s := range m.StackTraces {
			body = wMsg(body, 5, []byte(s))
		}
		body = appendMeta(body, 6, m.RPCMetadata)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, resp)
	}
	return envelope(ResponseName(resp), body), nil
}

func appendMeta(b []byte, num protowire.Number, m *RPCMetadata) []byte {
	if m == nil {
		return b
	}
	return wMsg(b, num, marshalRPCMetadata(m))
}

// 1 connId 2 stmtId 3 ownStatement 4 signature 5 firstFrame 6 updateCount 7 rpc
func marshalResultSet(m *ResultSetResponse) ([]byte, error) {
	var b []byte
	b = wStr(b, 1, m.ConnectionID)
	b = wUint(b, 2, uint64(m.StatementID))
	b = wBool(b, 3, m.OwnStatement)
	if m.Signature != nil {
		b = wMsg(b, 4, marshalSignature(m.Signature))
	}
	if m.FirstFrame != nil {
		fb, err := typedvalue.MarshalFrame(*m.FirstFrame)
		if err != nil {
			return nil, err
		}
		b = wMsg(b, 5, fb)
	}
	b = wSint(b, 6, m.UpdateCount)
	b = appendMeta(b, 7, m.RPCMetadata)
	return b, nil
}

func unmarshalResultSet(b []byte) (*ResultSetResponse, error) {
	m := &ResultSetResponse{}
	r := reader{b}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		case 3:
			m.OwnStatement, err = r.boolean()
		case 4:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				m.Signature, err = unmarshalSignature(raw)
			}
		case 5:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				var f typedvalue.Frame
				if f, err = typedvalue.UnmarshalFrame(raw); err == nil {
					m.FirstFrame = &f
				} else {
					err = errInvalidTag
				}
			}
		case 6:
			m.UpdateCount, err = r.sint()
		case 7:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				m.RPCMetadata, err = unmarshalRPCMetadata(raw)
			}
		default:
			err = r.skip(num, typ)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ParseResponse decodes a response from the tagged binary envelope
func (BinaryTranslator) ParseResponse(data []byte) (Response, error) {
	name, body, err := openEnvelope(data)
	if err != nil {
		return nil, err
	}
	factory, ok := responseFactories[name]
	if !ok {
		return nil, fmt.Errorf("%w: response %q", ErrUnknownMessage, name)
	}
	resp := factory()
	if rs, ok := resp.(*ResultSetResponse); ok {
		parsed, err := unmarshalResultSet(body)
		if err != nil {
			return nil, err
		}
		*rs = *parsed
		return rs, nil
	}
	r := reader{body}
	for !r.empty() {
		num, typ, err := r.next()
		if err != nil {
			return nil, err
		}
		if err := parseResponseField(resp, num, typ, &r); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func parseResponseField(resp Response, num protowire.Number, typ protowire.Type, r *reader) error {
	var err error
	readMeta := func(dst **RPCMetadata) error {
		raw, err := r.bytes()
		if err != nil {
			return err
		}
		m, err := unmarshalRPCMetadata(raw)
		if err != nil {
			return err
		}
		*dst = m
		return nil
	}
	switch m := resp.(type) {
	case *OpenConnectionResponse:
		if num == 1 {
			return readMeta(&m.RPCMetadata)
		}
		err = r.skip(num, typ)
	case *CloseConnectionResponse:
		if num == 1 {
			return readMeta(&m.RPCMetadata)
		}
		err = r.skip(num, typ)
	case *ConnectionSyncResponse:
		switch num {
		case 1:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				m.ConnProps, err = unmarshalConnProps(raw)
			}
		case 2:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	case *DatabasePropertyResponse:
		switch num {
		case 1:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				var key string
				var val typedvalue.TypedValue
				e := reader{raw}
				for !e.empty() {
					enum, etyp, eerr := e.next()
					if eerr != nil {
						return eerr
					}
					switch enum {
					case 1:
						key, eerr = e.str()
					case 2:
						var vraw []byte
						if vraw, eerr = e.bytes(); eerr == nil {
							if val, eerr = typedvalue.UnmarshalTypedValue(vraw); eerr != nil {
								eerr = errInvalidTag
							}
						}
					default:
						eerr = e.skip(enum, etyp)
					}
					if eerr != nil {
						return eerr
					}
				}
				if m.Props == nil {
					m.Props = map[string]typedvalue.TypedValue{}
				}
				m.Props[key] = val
			}
		case 2:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	case *CreateStatementResponse:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		case 3:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	case *CloseStatementResponse:
		if num == 1 {
			return readMeta(&m.RPCMetadata)
		}
		err = r.skip(num, typ)
	case *PrepareResponse:
		switch num {
		case 1:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				m.Statement, err = unmarshalHandle(raw)
			}
		case 2:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	case *ExecuteResponse:
		switch num {
		case 1:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				var rs *ResultSetResponse
				if rs, err = unmarshalResultSet(raw); err == nil {
					m.Results = append(m.Results, rs)
				}
			}
		case 2:
			m.MissingStatement, err = r.boolean()
		case 3:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	case *ExecuteBatchResponse:
		switch num {
		case 1:
			m.ConnectionID, err = r.str()
		case 2:
			var u uint64
			if u, err = r.varint(); err == nil {
				m.StatementID = uint32(u)
			}
		case 3:
			var c int64
			if c, err = r.sint(); err == nil {
				m.UpdateCounts = append(m.UpdateCounts, c)
			}
		case 4:
			m.MissingStatement, err = r.boolean()
		case 5:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	case *FetchResponse:
		switch num {
		case 1:
			var raw []byte
			if raw, err = r.bytes(); err == nil {
				var f typedvalue.Frame
				if f, err = typedvalue.UnmarshalFrame(raw); err == nil {
					m.Frame = &f
				} else {
					err = errInvalidTag
				}
			}
		case 2:
			m.MissingStatement, err = r.boolean()
		case 3:
			m.MissingResults, err = r.boolean()
		case 4:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	case *SyncResultsResponse:
		switch num {
		case 1:
			m.Missed, err = r.boolean()
		case 2:
			m.Moved, err = r.boolean()
		case 3:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	case *CommitResponse:
		if num == 1 {
			return readMeta(&m.RPCMetadata)
		}
		err = r.skip(num, typ)
	case *RollbackResponse:
		if num == 1 {
			return readMeta(&m.RPCMetadata)
		}
		err = r.skip(num, typ)
	case *CancelStatementResponse:
		if num == 1 {
			return readMeta(&m.RPCMetadata)
		}
		err = r.skip(num, typ)
	case *ErrorResponse:
		switch num {
		case 1:
			m.ErrorMessage, err = r.str()
		case 2:
			var c int64
			if c, err = r.sint(); err == nil {
				m.ErrorCode = int(c)
			}
		case 3:
			m.SQLState, err = r.str()
		case 4:
			m.Severity, err = r.str()
		case 5:
			var s string
			if s, err = r.str(); err == nil {
				m.StackTraces = append(m.StackTraces, s)
			}
		case 6:
			return readMeta(&m.RPCMetadata)
		default:
			err = r.skip(num, typ)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, resp)
	}
	return err
}

// ErrorToWire renders an ErrorResponse for transport-level failures
func (t BinaryTranslator) ErrorToWire(e *ErrorResponse) []byte {
	b, err := t.SerializeResponse(e)
	if err != nil {
		b, _ = t.SerializeResponse(&ErrorResponse{
			ErrorMessage: e.ErrorMessage,
			ErrorCode:    UnknownErrorCode,
			SQLState:     UnknownSQLState,
			Severity:     SeverityError,
		})
	}
	return b
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
