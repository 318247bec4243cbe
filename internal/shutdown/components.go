package shutdown

import (
	"context"
	"io"
	"net/http"
)

// HTTPServerComponent stops accepting connections and waits for in-flight
// requests.
type HTTPServerComponent struct {
	name   string
	server *http.Server
}

func NewHTTPServerComponent(name string, server *http.Server) *HTTPServerComponent {
	return &HTTPServerComponent{name: name, server: server}
}

func (c *HTTPServerComponent) Name() string { return c.name }

func (c *HTTPServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent closes a resource such as the document store.
type CloserComponent struct {
	name   string
	closer io.Closer
}

func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

func (c *CloserComponent) Name() string { return c.name }

func (c *CloserComponent) Shutdown(context.Context) error {
	return c.closer.Close()
}

// FuncComponent adapts a function.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

func (c *FuncComponent) Name() string { return c.name }

func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// Drainer stops taking work and waits for queued work to finish, giving
// up when ctx ends.
type Drainer interface {
	Drain(ctx context.Context) error
}

// DrainerComponent lets in-flight lifecycle tasks finish.
type DrainerComponent struct {
	name    string
	drainer Drainer
}

func NewDrainerComponent(name string, d Drainer) *DrainerComponent {
	return &DrainerComponent{name: name, drainer: d}
}

func (c *DrainerComponent) Name() string { return c.name }

func (c *DrainerComponent) Shutdown(ctx context.Context) error {
	return c.drainer.Drain(ctx)
}
