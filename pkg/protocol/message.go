package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	JSONRPCVersion  = "2.0"
	ProtocolVersion = "2024-11-05"
)

const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func NewRequest(id ID, method string, params any) *Request {
	return &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
}

type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params}
}

// Response is the encodable form of a reply. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      ID        `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error [%d]: %s", e.Code, e.Message)
}

type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a decoded inbound JSON-RPC object. HasID reports whether the
// object carried an id member at all; ID is zero when that member was null.
type Message struct {
	JSONRPC string
	ID      ID
	HasID   bool
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *RPCError
	Raw     json.RawMessage
}

// DecodeObject decodes data as a JSON-RPC object. It reports ok=false with a
// nil error for valid JSON that is not an object, and an error for data that
// is not valid JSON.
func DecodeObject(data []byte) (msg Message, ok bool, err error) {
	data = bytes.TrimSpace(data)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		if json.Valid(data) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("decode message: %w", err)
	}
	if fields == nil {
		// literal null
		return Message{}, false, nil
	}

	msg.Raw = append(json.RawMessage(nil), data...)
	if v, ok := fields["jsonrpc"]; ok {
		_ = json.Unmarshal(v, &msg.JSONRPC)
	}
	if v, ok := fields["id"]; ok {
		msg.HasID = true
		msg.ID, _ = ParseID(v)
	}
	if v, ok := fields["method"]; ok {
		_ = json.Unmarshal(v, &msg.Method)
	}
	msg.Params = fields["params"]
	msg.Result = fields["result"]
	if v, ok := fields["error"]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		var rpcErr RPCError
		if err := json.Unmarshal(v, &rpcErr); err != nil {
			return Message{}, false, fmt.Errorf("decode error member: %w", err)
		}
		msg.Error = &rpcErr
	}
	return msg, true, nil
}

func (m Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.HasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.HasID && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// Matches reports whether m answers the request with the given id.
func (m Message) Matches(id ID) bool {
	return m.HasID && !m.ID.IsZero() && m.ID == id
}
