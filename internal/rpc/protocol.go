package rpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// rpcError carries a JSON-RPC error code with its message. Handlers return
// it to signal a protocol-level failure; any other error becomes an
// internal error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func errInvalidParams(format string, args ...any) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// request is a single incoming JSON-RPC call. ID is kept raw so the
// response echoes it byte for byte, whatever JSON type the client used.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

var nullID = json.RawMessage("null")

func successResponse(result any, id json.RawMessage) response {
	if id == nil {
		id = nullID
	}
	return response{JSONRPC: "2.0", Result: result, ID: id}
}

func errorResponse(err *rpcError, id json.RawMessage) response {
	if id == nil {
		id = nullID
	}
	return response{JSONRPC: "2.0", Error: err, ID: id}
}
