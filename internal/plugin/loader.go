package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"puddlejobs/internal/artifact"
	logx "puddlejobs/pkg/logx"
)

var (
	ErrContextClosed       = errors.New("plugin: context closed")
	ErrArtifactLoad        = errors.New("plugin: artifact load failed")
	ErrNoEntryType         = errors.New("plugin: no job entry type found")
	ErrEntryInstantiation  = errors.New("plugin: entry instantiation failed")
	ErrInvocation          = errors.New("plugin: invocation failed")
	ErrInvocationCancelled = errors.New("plugin: invocation cancelled")
)

// InvocationError reports a job that ran and failed.
type InvocationError struct {
	Entry    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("plugin: entry %q failed", e.Entry)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("plugin: entry %q exited with code %d", e.Entry, e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool { return target == ErrInvocation }

// Invocation is what a job instance receives for one firing.
type Invocation struct {
	FireInstanceID string
	JobID          int64
	Parameters     map[string]any
	Logger         logx.Logger
	// Output, when set, also receives every output line that passes the
	// rate limit.
	Output OutputSink
}

// OutputSink collects a job's output lines.
type OutputSink interface {
	Line(stream, level, text string)
}

// Instance is an instantiated job entry bound to one Context.
type Instance interface {
	Execute(ctx context.Context, inv Invocation) error
}

// EntryType is the job entry selected from a loaded artifact.
type EntryType struct {
	Name  string
	Entry artifact.Entry
	Unit  *artifact.Unit
}

// Loader is the open/load/instantiate/close lifecycle the coordinator drives.
type Loader interface {
	OpenContext(ctx context.Context) (*Context, error)
	Load(c *Context, locator, hint string) (*EntryType, error)
	Instantiate(c *Context, et *EntryType) (Instance, error)
	CloseContext(c *Context) error
}

// Context is one isolated, single-use execution context.
type Context struct {
	ID  string
	Dir string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newContext(parent context.Context, id, dir string) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{ID: id, Dir: dir, ctx: ctx, cancel: cancel}
}

// Done is closed once the context is closed or its parent is cancelled.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) usable() error {
	if c == nil {
		return ErrContextClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: %s", ErrContextClosed, c.ID)
	}
	return nil
}

// markClosed reports whether this call performed the close.
func (c *Context) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.cancel()
	return true
}
