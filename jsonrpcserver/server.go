// Package jsonrpcserver exposes functions like
// func Foo(context.Context, int) (int, error)
// as JSON-RPC methods over HTTP.
package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
)

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

var (
	ErrNotFunction      = errors.New("handler is not a function")
	ErrMissingContext   = errors.New("handler must take context.Context first")
	ErrMissingError     = errors.New("handler must return error last")
	ErrTooManyReturns   = errors.New("handler returns too many values")
	ErrTooManyArguments = errors.New("too many arguments")
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Methods maps method names to handler functions.
type Methods map[string]any

type method struct {
	fn   reflect.Value
	args []reflect.Type
	outs int
}

// Handler serves the registered methods as a JSON-RPC 2.0 endpoint.
type Handler struct {
	methods map[string]method
}

// NewHandler validates every registered function: context first, error last,
// at most one result value, JSON-serializable arguments.
func NewHandler(methods Methods) (*Handler, error) {
	ms := make(map[string]method, len(methods))
	for name, fn := range methods {
		m, err := inspect(fn)
		if err != nil {
			return nil, err
		}
		ms[name] = m
	}
	return &Handler{methods: ms}, nil
}

func inspect(fn any) (method, error) {
	t := reflect.TypeOf(fn)
	if t == nil || t.Kind() != reflect.Func {
		return method{}, ErrNotFunction
	}
	if t.NumIn() == 0 || t.In(0) != ctxType {
		return method{}, ErrMissingContext
	}
	if t.NumOut() == 0 || !t.Out(t.NumOut()-1).Implements(errType) {
		return method{}, ErrMissingError
	}
	if t.NumOut() > 2 {
		return method{}, ErrTooManyReturns
	}

	args := make([]reflect.Type, 0, t.NumIn()-1)
	for i := 1; i < t.NumIn(); i++ {
		args = append(args, t.In(i))
	}
	return method{fn: reflect.ValueOf(fn), args: args, outs: t.NumOut()}, nil
}

func (m method) call(ctx context.Context, params []json.RawMessage) (any, error) {
	if len(params) > len(m.args) {
		return nil, ErrTooManyArguments
	}

	in := make([]reflect.Value, 0, len(m.args)+1)
	in = append(in, reflect.ValueOf(ctx))
	for i, argType := range m.args {
		arg := reflect.New(argType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, err
			}
		}
		in = append(in, arg.Elem())
	}

	out := m.fn.Call(in)
	var callErr error
	if last := out[len(out)-1]; !last.IsNil() {
		callErr = last.Interface().(error)
	}
	if m.outs == 1 {
		return nil, callErr
	}
	return out[0].Interface(), callErr
}

func writeError(w http.ResponseWriter, id any, code int, msg string) {
	res := response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, CodeParseError, err.Error())
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "invalid jsonrpc version")
		return
	}
	switch req.ID.(type) {
	case nil, string, float64:
	default:
		writeError(w, req.ID, CodeInvalidRequest, "invalid id type")
		return
	}

	m, ok := h.methods[req.Method]
	if !ok {
		writeError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	result, err := m.call(r.Context(), req.Params)
	if err != nil {
		writeError(w, req.ID, CodeCustomError, err.Error())
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		writeError(w, req.ID, CodeInternalError, err.Error())
		return
	}
	msg := json.RawMessage(raw)
	res := response{JSONRPC: "2.0", ID: req.ID, Result: &msg}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
