// Package middleware implements the ordered request/response/exception
// interceptor pipeline. Order is explicit configuration (a slice), never
// reflection; each hook's default is a no-op so a Middleware only needs
// to implement the methods it cares about by embedding NoOp.
package middleware

import (
	"net/http"
)

// Request is the mutable request context threaded through processRequest.
type Request struct {
	URL      string
	Depth    int
	Headers  http.Header
	Metadata map[string]string
}

// Response wraps the outcome of a fetch (or a middleware-synthesized
// short-circuit) for processResponse/processException.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	FinalURL   string
}

// Middleware is a single pipeline stage. Any method may be a no-op by
// embedding NoOp and overriding only what's needed.
type Middleware interface {
	// ProcessRequest may mutate or replace req. Returning ok=false
	// short-circuits the request: later stages do not run and the returned
	// request is handed back to the caller. No response can be synthesized
	// from this hook.
	ProcessRequest(req *Request) (out *Request, ok bool)
	// ProcessResponse is invoked for both successful and error-status
	// responses. Returning ok=false drops the response from the
	// pipeline (treated as if nothing was fetched).
	ProcessResponse(resp *Response, req *Request) (out *Response, ok bool)
	// ProcessException is invoked when a prior stage failed. Returning
	// a non-nil Response continues execution at response
	// post-processing; returning nil propagates the error.
	ProcessException(err error, req *Request) *Response
}

// NoOp is embeddable by concrete Middleware implementations that only
// need to override a subset of the three hooks.
type NoOp struct{}

func (NoOp) ProcessRequest(req *Request) (*Request, bool)            { return req, true }
func (NoOp) ProcessResponse(resp *Response, _ *Request) (*Response, bool) { return resp, true }
func (NoOp) ProcessException(error, *Request) *Response               { return nil }

// Pipeline runs an ordered sequence of Middleware. No two middlewares ever
// run concurrently for the same request: the pipeline itself is a
// sequential fold, and no middleware may run in parallel with another
// for the same request.
type Pipeline struct {
	stages []Middleware
}

// New creates a Pipeline running stages in the given order.
func New(stages ...Middleware) *Pipeline {
	return &Pipeline{stages: stages}
}

// RunRequest runs processRequest across all stages in configured order.
// If any stage short-circuits, the returned ok is false and out is the
// request state at the point of short-circuit (for logging).
func (p *Pipeline) RunRequest(req *Request) (out *Request, ok bool) {
	cur := req
	for _, m := range p.stages {
		next, keepGoing := m.ProcessRequest(cur)
		if !keepGoing {
			return next, false
		}
		cur = next
	}
	return cur, true
}

// RunResponse runs processResponse across all stages in reverse order.
func (p *Pipeline) RunResponse(resp *Response, req *Request) (out *Response, ok bool) {
	cur := resp
	for i := len(p.stages) - 1; i >= 0; i-- {
		next, keepGoing := p.stages[i].ProcessResponse(cur, req)
		if !keepGoing {
			return next, false
		}
		cur = next
	}
	return cur, true
}

// RunException runs processException across all stages in reverse order,
// stopping at the first stage that recovers with a non-nil Response.
func (p *Pipeline) RunException(err error, req *Request) *Response {
	for i := len(p.stages) - 1; i >= 0; i-- {
		if resp := p.stages[i].ProcessException(err, req); resp != nil {
			return resp
		}
	}
	return nil
}
