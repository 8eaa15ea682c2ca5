package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"edgehost/container"
	"edgehost/pkg/errors"
	"edgehost/registry"
)

// TagRequest holds the native network request for the current invocation.
var TagRequest = registry.NewTag[events.APIGatewayV2HTTPRequest]("host.request")

// FetchFunc is a built network-request entrypoint.
type FetchFunc func(ctx context.Context, inv *Invocation) (events.APIGatewayV2HTTPResponse, error)

// FetchBuilder constructs the entrypoint once against the materialized
// assembly registry. This is where logic-specific capabilities, such as an
// HTTP router, are resolved before any request is served.
type FetchBuilder func(ctx context.Context, reg *registry.Registry) (FetchFunc, error)

// FetchHandler is a push-style network-request handler taking the native
// arguments directly. It can still reach the merged registry through
// InvocationFrom.
type FetchHandler func(ctx context.Context, req events.APIGatewayV2HTTPRequest, env Bindings, exec *ExecutionContext) (events.APIGatewayV2HTTPResponse, error)

// Middleware transforms the built entrypoint before it is cached. Opaque to
// the adapter.
type Middleware func(FetchFunc) FetchFunc

// FetchLogic is the business logic for the fetch kind: exactly one of Build
// (pull style) or Handle (push style) must be set.
type FetchLogic struct {
	Build      FetchBuilder
	Handle     FetchHandler
	Middleware Middleware
}

// FetchOptions configures a fetch adapter.
type FetchOptions struct {
	Options
	FetchLogic
}

// Fetch adapts the host's network-request entrypoint signature onto
// capability-based business logic.
type Fetch struct {
	core       *core[FetchFunc]
	build      FetchBuilder
	middleware Middleware
}

// NewFetch constructs a fetch adapter.
func NewFetch(opts FetchOptions) (*Fetch, error) {
	build, err := fetchBuilder(opts.FetchLogic)
	if err != nil {
		return nil, err
	}
	c, err := newCore[FetchFunc](KindFetch, opts.Options)
	if err != nil {
		return nil, err
	}
	return &Fetch{core: c, build: build, middleware: opts.Middleware}, nil
}

func fetchBuilder(logic FetchLogic) (FetchBuilder, error) {
	switch {
	case logic.Build != nil && logic.Handle != nil:
		return nil, errors.NewValidation("fetch logic: set either Build or Handle, not both")
	case logic.Build != nil:
		return logic.Build, nil
	case logic.Handle != nil:
		handle := logic.Handle
		return func(ctx context.Context, reg *registry.Registry) (FetchFunc, error) {
			return func(ctx context.Context, inv *Invocation) (events.APIGatewayV2HTTPResponse, error) {
				req := registry.MustGet(inv.Registry(), TagRequest)
				return handle(ctx, req, inv.Bindings(), inv.Execution())
			}, nil
		}, nil
	default:
		return nil, errors.NewValidation("fetch logic: neither Build nor Handle set")
	}
}

// Handler returns the host-startable handler function. Failures, including
// panics in business logic, come back as error-status responses; the
// returned error is always nil so the host never sees an uncaught crash.
func (f *Fetch) Handler() func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	return f.invoke
}

// Container exposes the adapter's runtime container.
func (f *Fetch) Container() *container.Container { return f.core.container }

// Dispose tears down the runtime container. Idempotent; in-flight
// invocations keep their already-acquired resources.
func (f *Fetch) Dispose(ctx context.Context) error { return f.core.teardown(ctx) }

func (f *Fetch) invoke(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	start := time.Now()
	if f.core.container.Closed() {
		err := container.ErrClosed
		f.core.observe(nil, start, err)
		return errorResponse(err), nil
	}

	entry, err := f.core.entrypoint(ctx, func(ctx context.Context, reg *registry.Registry) (FetchFunc, error) {
		fn, err := f.build(ctx, reg)
		if err != nil {
			return nil, err
		}
		if f.middleware != nil {
			fn = f.middleware(fn)
		}
		return fn, nil
	})
	if err != nil {
		f.core.observe(nil, start, err)
		return errorResponse(err), nil
	}

	ctx, inv, err := f.core.begin(ctx, registry.Bind(TagRequest, req))
	if err != nil {
		f.core.observe(nil, start, err)
		return errorResponse(err), nil
	}

	resp, err := guard(func() (events.APIGatewayV2HTTPResponse, error) {
		return entry(ctx, inv)
	})
	f.core.observe(inv, start, err)
	if err != nil {
		return errorResponse(err), nil
	}
	return resp, nil
}

func errorResponse(err error) events.APIGatewayV2HTTPResponse {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	return events.APIGatewayV2HTTPResponse{
		StatusCode: errors.HTTPStatus(err),
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
