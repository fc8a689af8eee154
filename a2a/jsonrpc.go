package a2a

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// JSONRPCVersion is the protocol version of every envelope.
const JSONRPCVersion = "2.0"

// Methods served by the A2A endpoint.
const (
	MethodSend          = "tasks/send"
	MethodSendSubscribe = "tasks/sendSubscribe"
	MethodGet           = "tasks/get"
	MethodCancel        = "tasks/cancel"
)

// Standard JSON-RPC 2.0 error codes
const (
	JSONParseErrorCode      = -32700
	InvalidRequestErrorCode = -32600
	MethodNotFoundErrorCode = -32601
	InvalidParamsErrorCode  = -32602
	InternalErrorCode       = -32603
)

// A2A specific error codes
const (
	TaskNotFoundErrorCode      = -32001
	TaskNotCancelableErrorCode = -32002
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"` // string, number, or null
	Method  string         `json:"method"`
	Params  jsontext.Value `json:"params,omitzero"`
}

// NewRequest encodes params into a request envelope.
func NewRequest(id any, method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}

	return &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements error.
func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error: %d - %s", e.Code, e.Message)
}

// NewRPCError creates an RPCError.
func NewRPCError(code int, msg string) *RPCError {
	return &RPCError{Code: code, Message: msg}
}

// Response is a JSON-RPC 2.0 response. Result and Error are mutually
// exclusive.
type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Result  jsontext.Value `json:"result,omitzero"`
	Error   *RPCError      `json:"error,omitempty"`
}

// NewResponse encodes result into a response envelope.
func NewResponse(id any, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response envelope.
func NewErrorResponse(id any, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}
