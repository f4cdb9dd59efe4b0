package handler

import (
	"context"
	"fmt"
	"runtime/debug"

	"taskd/internal/task"

	"github.com/cockroachdb/errors"
)

// Outcome is what one successful dispatch produced.
type Outcome struct {
	Data any
	Logs []string
}

// Dispatcher resolves a handler descriptor to a function, http request or
// service entry and invokes it.
type Dispatcher struct {
	funcs    *Registry
	http     *HTTPCaller
	services *Services
}

func NewDispatcher(funcs *Registry, httpCaller *HTTPCaller, services *Services) *Dispatcher {
	if funcs == nil {
		funcs = NewRegistry()
	}
	if httpCaller == nil {
		httpCaller = NewHTTPCaller(nil, 0, 0)
	}
	if services == nil {
		services = NewServices(ServiceDeps{})
	}
	return &Dispatcher{funcs: funcs, http: httpCaller, services: services}
}

func (d *Dispatcher) Registry() *Registry  { return d.funcs }
func (d *Dispatcher) Services() *Services { return d.services }

// Dispatch runs h once. Resolution failures, handler errors and panics all
// come back as an error; Dispatch itself never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, h task.Handler) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Logs: []string{"panic stack: " + string(debug.Stack())}}
			err = errors.Newf("handler panicked: %v", r)
		}
	}()

	if err := h.Validate(); err != nil {
		return Outcome{}, err
	}

	switch h.Type {
	case task.HandlerFunction:
		fn, ok := d.funcs.Lookup(h.Function.Name)
		if !ok {
			return Outcome{}, errors.Wrapf(task.ErrUnknownFunction, "%q", h.Function.Name)
		}
		data, err := fn(ctx, h.Function.Params)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Data: data, Logs: []string{"function " + h.Function.Name + " returned"}}, nil

	case task.HandlerHTTP:
		res, err := d.http.Call(ctx, *h.HTTP)
		if err != nil {
			return Outcome{}, err
		}
		line := fmt.Sprintf("http %s responded %d (%d bytes)", h.Identity(), res.StatusCode, len(res.Body))
		if res.Truncated {
			line += " [truncated]"
		}
		return Outcome{Data: res.Body, Logs: []string{line}}, nil

	case task.HandlerService:
		fn, ok := d.services.Lookup(h.Service.Service, h.Service.Method)
		if !ok {
			return Outcome{}, errors.Wrapf(task.ErrUnknownService, "%s.%s", h.Service.Service, h.Service.Method)
		}
		data, err := fn(ctx, h.Service.Params)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Data: data, Logs: []string{"service " + h.Service.Service + "." + h.Service.Method + " returned"}}, nil
	}
	// Validate rejects every other type.
	return Outcome{}, errors.Wrapf(task.ErrInvalidHandler, "unknown type %q", h.Type)
}
