package middleware

import (
	"errors"
	"net/http"
	"testing"
)

type recordingMiddleware struct {
	NoOp
	name  string
	trail *[]string
}

func (m recordingMiddleware) ProcessRequest(req *Request) (*Request, bool) {
	*m.trail = append(*m.trail, "req:"+m.name)
	return req, true
}

func (m recordingMiddleware) ProcessResponse(resp *Response, _ *Request) (*Response, bool) {
	*m.trail = append(*m.trail, "resp:"+m.name)
	return resp, true
}

func TestPipelineRequestOrderAndResponseReverseOrder(t *testing.T) {
	var trail []string
	p := New(
		recordingMiddleware{name: "a", trail: &trail},
		recordingMiddleware{name: "b", trail: &trail},
	)

	req, ok := p.RunRequest(&Request{URL: "http://h/x", Headers: http.Header{}})
	if !ok {
		t.Fatalf("expected request to pass through")
	}
	_, ok = p.RunResponse(&Response{StatusCode: 200}, req)
	if !ok {
		t.Fatalf("expected response to pass through")
	}

	want := []string{"req:a", "req:b", "resp:b", "resp:a"}
	if len(trail) != len(want) {
		t.Fatalf("got %v want %v", trail, want)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("got %v want %v", trail, want)
		}
	}
}

type shortCircuitMiddleware struct{ NoOp }

func (shortCircuitMiddleware) ProcessRequest(req *Request) (*Request, bool) {
	return req, false
}

func TestPipelineRequestShortCircuit(t *testing.T) {
	var trail []string
	p := New(
		recordingMiddleware{name: "a", trail: &trail},
		shortCircuitMiddleware{},
		recordingMiddleware{name: "c", trail: &trail},
	)
	_, ok := p.RunRequest(&Request{URL: "http://h/x"})
	if ok {
		t.Fatalf("expected short-circuit")
	}
	if len(trail) != 1 || trail[0] != "req:a" {
		t.Fatalf("expected only stage a to run, got %v", trail)
	}
}

type recoveringMiddleware struct{ NoOp }

func (recoveringMiddleware) ProcessException(err error, req *Request) *Response {
	return &Response{StatusCode: 200}
}

func TestPipelineExceptionRecovery(t *testing.T) {
	p := New(recoveringMiddleware{}, NoOp{})
	resp := p.RunException(errors.New("boom"), &Request{URL: "http://h/x"})
	if resp == nil || resp.StatusCode != 200 {
		t.Fatalf("expected recovery response, got %v", resp)
	}
}

func TestPipelineExceptionPropagates(t *testing.T) {
	p := New(NoOp{}, NoOp{})
	resp := p.RunException(errors.New("boom"), &Request{URL: "http://h/x"})
	if resp != nil {
		t.Fatalf("expected nil response (propagated error), got %v", resp)
	}
}

func TestStatsMiddleware(t *testing.T) {
	stats := &Stats{}
	m := StatsMiddleware{Stats: stats}
	m.ProcessRequest(&Request{})
	m.ProcessResponse(&Response{Body: []byte("hello")}, &Request{})
	m.ProcessException(errors.New("x"), &Request{})

	snap := stats.Snapshot()
	if snap.Requests != 1 || snap.Responses != 1 || snap.Errors != 1 || snap.BytesIn != 5 {
		t.Fatalf("unexpected stats snapshot: %+v", snap)
	}
}
