package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/portico-web/portico/httpmsg"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	return New(slog.Default(), "portico-test")
}

func newTestRequest(method httpmsg.Method, path string) (*httpmsg.Request, *httpmsg.Response) {
	req := &httpmsg.Request{
		Method:    method,
		Version:   httpmsg.Version{Major: 1, Minor: 1},
		Target:    path,
		Path:      path,
		Header:    make(httpmsg.Header),
		KeepAlive: true,
	}
	resp := httpmsg.NewResponse(req, "portico-test")
	return req, resp
}

func namedHandler(name string, hits *[]string) Handler {
	return func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
		*hits = append(*hits, name)
		resp.SetStringContent(name, "text/plain")
		return nil
	}
}

func TestRouter_FirstMatchWins(t *testing.T) {
	rt := testRouter(t)
	var hits []string
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/same", namedHandler("first", &hits)); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/same", namedHandler("second", &hits)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	req, resp := newTestRequest(httpmsg.MethodGet, "/same")
	if err := rt.Dispatch(context.Background(), req, resp); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(hits) != 1 || hits[0] != "first" {
		t.Errorf("hits = %v, want [first]", hits)
	}
}

func TestRouter_MethodSet(t *testing.T) {
	rt := testRouter(t)
	var hits []string
	methods := httpmsg.Methods(httpmsg.MethodGet, httpmsg.MethodPost)
	if err := rt.Route(methods, "/multi", namedHandler("h", &hits)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	for _, m := range []httpmsg.Method{httpmsg.MethodGet, httpmsg.MethodPost} {
		req, resp := newTestRequest(m, "/multi")
		_ = rt.Dispatch(context.Background(), req, resp)
		if resp.Status != httpmsg.StatusOK {
			t.Errorf("%v: status = %d", m, resp.Status)
		}
	}

	req, resp := newTestRequest(httpmsg.MethodDelete, "/multi")
	_ = rt.Dispatch(context.Background(), req, resp)
	if resp.Status != httpmsg.StatusNotFound {
		t.Errorf("DELETE: status = %d, want 404", resp.Status)
	}
}

func TestRouter_Params(t *testing.T) {
	rt := testRouter(t)
	var gotParams map[string]string
	handler := func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
		gotParams = req.RouteParams
		resp.SetStringContent("ok", "text/plain")
		return nil
	}
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/users/:id/posts/:post", handler); err != nil {
		t.Fatalf("Route: %v", err)
	}

	req, resp := newTestRequest(httpmsg.MethodGet, "/users/42/posts/seven")
	if err := rt.Dispatch(context.Background(), req, resp); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotParams["id"] != "42" || gotParams["post"] != "seven" {
		t.Errorf("params = %v", gotParams)
	}
}

func TestRouter_Wildcard(t *testing.T) {
	rt := testRouter(t)
	var hits []string
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/static/*", namedHandler("wild", &hits)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	for _, path := range []string{"/static/a", "/static/a/b/c"} {
		req, resp := newTestRequest(httpmsg.MethodGet, path)
		_ = rt.Dispatch(context.Background(), req, resp)
		if resp.Status != httpmsg.StatusOK {
			t.Errorf("%s: status = %d", path, resp.Status)
		}
	}

	req, resp := newTestRequest(httpmsg.MethodGet, "/other")
	_ = rt.Dispatch(context.Background(), req, resp)
	if resp.Status != httpmsg.StatusNotFound {
		t.Errorf("/other: status = %d, want 404", resp.Status)
	}
}

func TestRouter_DefaultHandler(t *testing.T) {
	rt := testRouter(t)
	rt.Default(func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
		resp.SetStringContent("1000", "text/html")
		return nil
	})

	req, resp := newTestRequest(httpmsg.MethodGet, "/anything")
	if err := rt.Dispatch(context.Background(), req, resp); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	body, _ := resp.Body.AsString()
	if resp.Status != httpmsg.StatusOK || body != "1000" {
		t.Errorf("status = %d, body = %q", resp.Status, body)
	}
}

func TestRouter_NotFoundBody(t *testing.T) {
	rt := testRouter(t)
	req, resp := newTestRequest(httpmsg.MethodGet, "/nope")
	if err := rt.Dispatch(context.Background(), req, resp); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Status != httpmsg.StatusNotFound {
		t.Fatalf("status = %d", resp.Status)
	}
	body, err := resp.Body.AsString()
	if err != nil {
		t.Fatalf("AsString: %v", err)
	}
	if !strings.Contains(body, "404 Not Found") || !strings.Contains(body, "portico-test") {
		t.Errorf("default error body = %q", body)
	}
}

func TestRouter_HandlerFailure(t *testing.T) {
	rt := testRouter(t)
	boom := errors.New("boom")
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/fail",
		func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
			return boom
		}); err != nil {
		t.Fatalf("Route: %v", err)
	}

	req, resp := newTestRequest(httpmsg.MethodGet, "/fail")
	if err := rt.Dispatch(context.Background(), req, resp); !errors.Is(err, boom) {
		t.Errorf("Dispatch err = %v, want boom", err)
	}
	if resp.Status != httpmsg.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.Status)
	}
}

func TestRouter_FrozenRegistration(t *testing.T) {
	rt := testRouter(t)
	rt.Freeze()
	err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/late",
		func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error { return nil })
	if !errors.Is(err, ErrFrozen) {
		t.Errorf("err = %v, want ErrFrozen", err)
	}
}

// recordingAspect logs its hook invocations into a shared trace.
type recordingAspect struct {
	name      string
	allow     bool
	beforeErr error
	trace     *[]string
}

func (a *recordingAspect) Before(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) (bool, error) {
	*a.trace = append(*a.trace, "before:"+a.name)
	return a.allow, a.beforeErr
}

func (a *recordingAspect) After(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) bool {
	*a.trace = append(*a.trace, "after:"+a.name)
	return true
}

func TestMiddleware_OrderAndReverseAfter(t *testing.T) {
	rt := testRouter(t)
	var trace []string
	a := &recordingAspect{name: "a", allow: true, trace: &trace}
	b := &recordingAspect{name: "b", allow: true, trace: &trace}

	handler := func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
		trace = append(trace, "handler")
		resp.SetStringContent("ok", "text/plain")
		return nil
	}
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/chained", handler, a, b); err != nil {
		t.Fatalf("Route: %v", err)
	}

	req, resp := newTestRequest(httpmsg.MethodGet, "/chained")
	if err := rt.Dispatch(context.Background(), req, resp); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := []string{"before:a", "before:b", "handler", "after:b", "after:a"}
	if strings.Join(trace, ",") != strings.Join(want, ",") {
		t.Errorf("trace = %v, want %v", trace, want)
	}
}

func TestMiddleware_VetoShortCircuits(t *testing.T) {
	rt := testRouter(t)
	var trace []string
	a := &recordingAspect{name: "a", allow: true, trace: &trace}
	b := &recordingAspect{name: "b", allow: false, trace: &trace}
	c := &recordingAspect{name: "c", allow: true, trace: &trace}

	handler := func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
		trace = append(trace, "handler")
		return nil
	}
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/vetoed", handler, a, b, c); err != nil {
		t.Fatalf("Route: %v", err)
	}

	req, resp := newTestRequest(httpmsg.MethodGet, "/vetoed")
	if err := rt.Dispatch(context.Background(), req, resp); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// c's Before never ran, so only b and a unwind, in reverse.
	want := []string{"before:a", "before:b", "after:b", "after:a"}
	if strings.Join(trace, ",") != strings.Join(want, ",") {
		t.Errorf("trace = %v, want %v", trace, want)
	}
}

func TestMiddleware_BeforeError(t *testing.T) {
	rt := testRouter(t)
	var trace []string
	boom := errors.New("aspect boom")
	a := &recordingAspect{name: "a", allow: true, beforeErr: boom, trace: &trace}

	handler := func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
		trace = append(trace, "handler")
		return nil
	}
	if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), "/err", handler, a); err != nil {
		t.Fatalf("Route: %v", err)
	}

	req, resp := newTestRequest(httpmsg.MethodGet, "/err")
	if err := rt.Dispatch(context.Background(), req, resp); !errors.Is(err, boom) {
		t.Errorf("Dispatch err = %v, want aspect boom", err)
	}
	if resp.Status != httpmsg.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.Status)
	}
	want := []string{"before:a", "after:a"}
	if strings.Join(trace, ",") != strings.Join(want, ",") {
		t.Errorf("trace = %v, want %v", trace, want)
	}
}

func TestParsePattern_Invalid(t *testing.T) {
	rt := testRouter(t)
	noop := func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error { return nil }

	tests := []string{"no-slash", "/mid/*/tail", "/empty/:"}
	for _, pattern := range tests {
		if err := rt.Route(httpmsg.Methods(httpmsg.MethodGet), pattern, noop); err == nil {
			t.Errorf("pattern %q accepted, want error", pattern)
		}
	}
}
