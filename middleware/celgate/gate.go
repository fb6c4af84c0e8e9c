// Package celgate is an aspect middleware that gates routes on a CEL
// expression evaluated against request attributes. A request for which
// the expression is false is vetoed with 403 Forbidden before the
// handler runs.
package celgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/portico-web/portico/httpmsg"
	"github.com/portico-web/portico/router"
)

// maxExpressionLength caps gate expressions; longer ones are refused at
// construction.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit, preventing a pathological
// expression from stalling a worker.
const maxCostBudget = 100_000

// evalTimeout bounds a single evaluation.
const evalTimeout = 5 * time.Second

// Gate is a compiled request-gating expression. It implements
// router.Aspect: Before evaluates the expression and vetoes on false,
// After is a no-op.
type Gate struct {
	program cel.Program
	router  *router.Router
	logger  *slog.Logger
}

// SetLogger replaces the logger used for denied-by-failure warnings.
func (g *Gate) SetLogger(logger *slog.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// newEnvironment declares the request attributes visible to gate
// expressions.
func newEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("remote_ip", cel.StringType),
		cel.Variable("query", cel.MapType(cel.StringType, cel.ListType(cel.StringType))),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.ListType(cel.StringType))),

		// glob: shell-style pattern matching on paths.
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// New compiles expression into a Gate bound to rt, whose error pages are
// used for the 403 veto response.
func New(rt *router.Router, expression string) (*Gate, error) {
	if expression == "" {
		return nil, errors.New("celgate: expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("celgate: expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}

	env, err := newEnvironment()
	if err != nil {
		return nil, fmt.Errorf("celgate: creating environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celgate: compiling expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("celgate: expression yields %s, want bool", ast.OutputType())
	}
	program, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("celgate: building program: %w", err)
	}
	return &Gate{program: program, router: rt, logger: slog.Default()}, nil
}

// Before evaluates the gate. A false result vetoes the handler with
// 403, and so does an evaluation failure: the gate fails closed rather
// than returning an error, which the dispatch chain would report as a
// 500. The failure is logged, not propagated.
func (g *Gate) Before(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := g.program.ContextEval(evalCtx, g.activation(req))
	if err != nil {
		g.logger.Warn("gate evaluation failed, denying request", "path", req.Path, "error", err)
		g.router.RespondError(resp, httpmsg.StatusForbidden)
		return false, nil
	}
	allowed, ok := result.Value().(bool)
	if !ok {
		g.logger.Warn("gate expression returned non-bool, denying request", "path", req.Path)
		g.router.RespondError(resp, httpmsg.StatusForbidden)
		return false, nil
	}
	if !allowed {
		g.router.RespondError(resp, httpmsg.StatusForbidden)
		return false, nil
	}
	return true, nil
}

// After observes the response; gates have nothing to do here.
func (g *Gate) After(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) bool {
	return true
}

// activation maps request attributes into CEL variables.
func (g *Gate) activation(req *httpmsg.Request) map[string]any {
	remoteIP := ""
	if req.RemoteEndpoint != nil {
		if host, _, err := net.SplitHostPort(req.RemoteEndpoint.String()); err == nil {
			remoteIP = host
		}
	}
	query := make(map[string][]string, len(req.QueryParams))
	for k, v := range req.QueryParams {
		query[k] = v
	}
	headers := make(map[string][]string, len(req.Header))
	for k, v := range req.Header {
		headers[k] = v
	}
	return map[string]any{
		"method":    req.Method.String(),
		"path":      req.Path,
		"target":    req.Target,
		"remote_ip": remoteIP,
		"query":     query,
		"headers":   headers,
	}
}
