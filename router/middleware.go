package router

import (
	"context"

	"github.com/portico-web/portico/httpmsg"
)

// Handler serves one matched request. The response starts as a stock 404
// and the handler mutates it in place; returning an error maps to a 500
// when no bytes have been sent.
type Handler func(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) error

// Aspect wraps a handler with a pair of hooks. Before runs ahead of the
// handler and may veto it by returning false; After observes the
// response. For a chain of aspects, Before runs in registration order
// and After in reverse order over the aspects whose Before ran,
// regardless of the handler's outcome.
type Aspect interface {
	Before(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) (bool, error)
	After(ctx context.Context, req *httpmsg.Request, resp *httpmsg.Response) bool
}

// runChain drives the aspect chain around the handler, honoring the veto
// and reverse-After rules. An error from a Before hook or the handler is
// returned after the After pass completes.
func runChain(ctx context.Context, aspects []Aspect, handler Handler, req *httpmsg.Request, resp *httpmsg.Response) error {
	ran := 0
	var chainErr error
	vetoed := false

	for _, a := range aspects {
		ok, err := a.Before(ctx, req, resp)
		ran++
		if err != nil {
			chainErr = err
			vetoed = true
			break
		}
		if !ok {
			vetoed = true
			break
		}
	}

	if !vetoed {
		chainErr = handler(ctx, req, resp)
	}

	// After runs in reverse over the prefix whose Before executed. A
	// false return is recorded but never halts later hooks.
	for i := ran - 1; i >= 0; i-- {
		_ = aspects[i].After(ctx, req, resp)
	}
	return chainErr
}
