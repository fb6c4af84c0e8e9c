// Package router dispatches decoded HTTP requests by method and path.
// Routes support named parameters and a trailing wildcard; mount points
// serve filesystem trees as a fallback; aspect middleware wraps matched
// handlers with before/after hooks.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/portico-web/portico/httpmsg"
)

// ErrFrozen is returned for registrations after the acceptor has
// started; the route and mount tables are immutable from then on.
var ErrFrozen = errors.New("router: registration after server start")

// segment is one element of a route pattern: a literal to match exactly,
// or a named parameter that binds the request's segment.
type segment struct {
	literal string
	param   string
}

// Route binds a pattern to a handler for a set of methods.
type Route struct {
	methods  httpmsg.MethodSet
	segments []segment
	wildcard bool
	handler  Handler
	aspects  []Aspect
}

// Router is the method+path dispatch table. Safe for concurrent reads
// once frozen; registration is not synchronized and must finish before
// the acceptor starts.
type Router struct {
	logger         *slog.Logger
	serverName     string
	routes         []*Route
	mounts         []*MountPoint
	defaultHandler Handler
	frozen         atomic.Bool
}

// New creates an empty router. serverName appears in generated error
// pages and the Server header.
func New(logger *slog.Logger, serverName string) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, serverName: serverName}
}

// Route registers a handler for the methods and pattern, with optional
// middleware aspects. Patterns are "/"-separated; a ":name" segment
// binds a route parameter and a trailing "*" accepts any remainder.
// Routes match in registration order; first match wins.
func (r *Router) Route(methods httpmsg.MethodSet, pattern string, handler Handler, aspects ...Aspect) error {
	if r.frozen.Load() {
		return ErrFrozen
	}
	if methods == 0 {
		return fmt.Errorf("router: route %q has no methods", pattern)
	}
	if handler == nil {
		return fmt.Errorf("router: route %q has no handler", pattern)
	}
	segments, wildcard, err := parsePattern(pattern)
	if err != nil {
		return err
	}
	r.routes = append(r.routes, &Route{
		methods:  methods,
		segments: segments,
		wildcard: wildcard,
		handler:  handler,
		aspects:  aspects,
	})
	return nil
}

// Default registers the fallback handler invoked when no route and no
// mount point claims a request.
func (r *Router) Default(handler Handler) {
	if r.frozen.Load() {
		return
	}
	r.defaultHandler = handler
}

// Freeze marks the tables immutable. Called by the server when the
// acceptor starts.
func (r *Router) Freeze() { r.frozen.Store(true) }

// ServerName returns the identifier used on error pages.
func (r *Router) ServerName() string { return r.serverName }

func parsePattern(pattern string) ([]segment, bool, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, false, fmt.Errorf("router: pattern %q must start with /", pattern)
	}
	parts := splitPath(pattern)
	var segments []segment
	wildcard := false
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return nil, false, fmt.Errorf("router: wildcard must be the last segment in %q", pattern)
			}
			wildcard = true
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return nil, false, fmt.Errorf("router: empty parameter name in %q", pattern)
			}
			segments = append(segments, segment{param: name})
		default:
			segments = append(segments, segment{literal: part})
		}
	}
	return segments, wildcard, nil
}

// splitPath breaks a slash path into segments; "/" yields none.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Match walks routes in registration order and returns the first whose
// method set and pattern accept the request, with its bound parameters.
func (r *Router) Match(method httpmsg.Method, path string) (*Route, map[string]string) {
	parts := splitPath(path)
	for _, route := range r.routes {
		if !route.methods.Contains(method) {
			continue
		}
		params, ok := route.match(parts)
		if ok {
			return route, params
		}
	}
	return nil, nil
}

func (rt *Route) match(parts []string) (map[string]string, bool) {
	if rt.wildcard {
		if len(parts) < len(rt.segments) {
			return nil, false
		}
	} else if len(parts) != len(rt.segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range rt.segments {
		if seg.param != "" {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return params, true
}

// HasHandler reports whether anything would claim the request: a route,
// a mount point, or the default handler. The session skips body reading
// for requests nothing will handle.
func (r *Router) HasHandler(method httpmsg.Method, path string) bool {
	if route, _ := r.Match(method, path); route != nil {
		return true
	}
	if mp, _ := r.matchMount(path); mp != nil {
		return true
	}
	return r.defaultHandler != nil
}

// Dispatch routes one request: first-matching route (with its aspect
// chain), then mount points, then the default handler, then the stock
// 404. The response is always left ready to serialize; the returned
// error reports handler or aspect failures already reflected as a 500.
func (r *Router) Dispatch(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error {
	if route, params := r.Match(req.Method, req.Path); route != nil {
		req.RouteParams = params
		err := runChain(ctx, route.aspects, route.handler, req, resp)
		if err != nil {
			r.logger.Error("handler failed", "method", req.Method.String(), "path", req.Path, "error", err)
			r.RespondError(resp, httpmsg.StatusInternalServerError)
		}
		return err
	}

	if mp, remainder := r.matchMount(req.Path); mp != nil {
		return r.serveMount(mp, remainder, req, resp)
	}

	if r.defaultHandler != nil {
		err := r.defaultHandler(ctx, req, resp)
		if err != nil {
			r.logger.Error("default handler failed", "path", req.Path, "error", err)
			r.RespondError(resp, httpmsg.StatusInternalServerError)
		}
		return err
	}

	r.RespondError(resp, httpmsg.StatusNotFound)
	return nil
}

// RespondError fills resp with the stock error page for status.
func (r *Router) RespondError(resp *httpmsg.Response, status int) {
	reason := httpmsg.ReasonPhrase(status)
	resp.Header.Del("Content-Type")
	resp.SetStringContent(ErrorPage(status, reason, r.serverName), "text/html", status)
}
