package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaypad/relaypad/internal/protocol"
)

// RPC error codes, mirrored into the response body.
const (
	rpcCodeInternal         = 500
	rpcCodeMethodNotAllowed = 501
)

// RPCContext is the enriched context handed to rpc handlers.
type RPCContext struct {
	Server         *Server
	Session        *Session
	DocumentID     string
	UserID         string
	ClientID       string
	MessageContext protocol.Context
}

// RPCResult is what a request handler produces. When Stream is non-nil its
// chunks are sent to the caller as rpc/stream messages keyed to the request
// id before the final rpc/response carrying Response.
type RPCResult struct {
	Response []byte
	Stream   <-chan []byte
}

// RPCHandler bundles the pieces registered for one method.
type RPCHandler struct {
	// Request serves rpc/request messages.
	Request func(ctx context.Context, rc *RPCContext, payload []byte) (*RPCResult, error)
	// Stream serves client-initiated rpc/stream messages; optional. A
	// non-nil reply is sent back as an rpc/response.
	Stream func(ctx context.Context, rc *RPCContext, payload []byte) ([]byte, error)
	// Decoder parses bodies with a method-specific schema; optional. Wired
	// into protocol.Decode through the registry.
	Decoder protocol.BodyDecoder
}

// RPCRegistry maps method names to handlers. It doubles as the
// protocol.Resolver consulted at decode time.
type RPCRegistry struct {
	mu       sync.RWMutex
	handlers map[string]RPCHandler
}

// NewRPCRegistry creates an empty registry.
func NewRPCRegistry() *RPCRegistry {
	return &RPCRegistry{handlers: make(map[string]RPCHandler)}
}

// Register installs the handler for a method, replacing any previous one.
func (r *RPCRegistry) Register(method string, h RPCHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Lookup returns the handler for a method.
func (r *RPCRegistry) Lookup(method string) (RPCHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Resolve implements protocol.Resolver.
func (r *RPCRegistry) Resolve(method string) (protocol.BodyDecoder, bool) {
	h, ok := r.Lookup(method)
	if !ok || h.Decoder == nil {
		return nil, false
	}
	return h.Decoder, true
}

// rpcErrorBody builds the JSON body of an error rpc/response.
func rpcErrorBody(code int, message string) []byte {
	body, err := json.Marshal(struct {
		Code  int    `json:"code"`
		Error string `json:"error"`
	}{Code: code, Error: message})
	if err != nil {
		return []byte(fmt.Sprintf(`{"code":%d,"error":"internal error"}`, code))
	}
	return body
}

// invokeRequest runs a request handler, converting panics into errors so a
// broken handler answers 500 instead of taking the ingress loop down.
func invokeRequest(ctx context.Context, h RPCHandler, rc *RPCContext, payload []byte) (res *RPCResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("rpc handler panic: %v", r)
		}
	}()
	return h.Request(ctx, rc, payload)
}

// invokeStream runs a stream-side handler with the same panic containment.
func invokeStream(ctx context.Context, h RPCHandler, rc *RPCContext, payload []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = fmt.Errorf("rpc stream handler panic: %v", r)
		}
	}()
	return h.Stream(ctx, rc, payload)
}
