package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"puddlejobs/internal/artifact"
	"puddlejobs/internal/domain"
	logx "puddlejobs/pkg/logx"
)

const (
	defaultKillGrace      = 5 * time.Second
	defaultLogLinesPerSec = 50
)

type Config struct {
	// WorkDir holds the per-context scratch directories. Empty means os.TempDir.
	WorkDir string
	// KillGrace is how long a job gets to exit after SIGINT before it is killed.
	KillGrace time.Duration
	// LogLinesPerSec caps forwarded output lines per invocation.
	LogLinesPerSec int
}

// ProcessLoader runs each job entry as a child process. A context is a
// scratch directory and a cancel func; closing it stops anything still
// running in it and removes the directory.
type ProcessLoader struct {
	artifacts artifact.Store
	cfg       Config
	log       logx.Logger

	open   atomic.Int64
	opened atomic.Uint64
}

func NewProcessLoader(artifacts artifact.Store, cfg Config, log logx.Logger) *ProcessLoader {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.LogLinesPerSec <= 0 {
		cfg.LogLinesPerSec = defaultLogLinesPerSec
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ProcessLoader{artifacts: artifacts, cfg: cfg, log: log.With(logx.String("comp", "plugin"))}
}

// OpenContexts is the number of contexts opened and not yet closed.
func (l *ProcessLoader) OpenContexts() int64 { return l.open.Load() }

// Opened is the total number of contexts ever opened.
func (l *ProcessLoader) Opened() uint64 { return l.opened.Load() }

func (l *ProcessLoader) OpenContext(ctx context.Context) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := l.cfg.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dir, err := os.MkdirTemp(base, "ctx-"+id[:8]+"-")
	if err != nil {
		return nil, err
	}
	l.open.Add(1)
	l.opened.Add(1)
	l.log.Debug("context opened", logx.String("context_id", id), logx.String("dir", dir))
	return newContext(ctx, id, dir), nil
}

func (l *ProcessLoader) Load(c *Context, locator, hint string) (*EntryType, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	unit, err := l.artifacts.Load(c.ctx, locator, hint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactLoad, err)
	}
	entry, matches, err := SelectEntry(unit.Manifest, unit.Hint)
	if err != nil {
		return nil, err
	}
	if len(matches) > 1 {
		l.log.Warn("artifact declares more than one job entry; using the first",
			logx.String("locator", locator),
			logx.String("entry", entry.Name),
			logx.Strings("candidates", matches),
		)
	}
	return &EntryType{Name: entry.Name, Entry: entry, Unit: unit}, nil
}

func (l *ProcessLoader) Instantiate(c *Context, et *EntryType) (Instance, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if et == nil || et.Unit == nil {
		return nil, fmt.Errorf("%w: nil entry type", ErrEntryInstantiation)
	}
	path, err := resolveCommand(et.Unit.Dir, et.Entry.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %v", ErrEntryInstantiation, et.Name, err)
	}
	return &processInstance{loader: l, c: c, et: et, path: path}, nil
}

// CloseContext is idempotent. The scratch directory is removed best-effort.
func (l *ProcessLoader) CloseContext(c *Context) error {
	if c == nil || !c.markClosed() {
		return nil
	}
	l.open.Add(-1)
	err := os.RemoveAll(c.Dir)
	if err != nil {
		l.log.Warn("context dir not removed", logx.String("context_id", c.ID), logx.Err(err))
	}
	l.log.Debug("context closed", logx.String("context_id", c.ID))
	return err
}

func resolveCommand(dir, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.New("no command")
	}
	if filepath.IsAbs(command) {
		return "", fmt.Errorf("command %q must be relative to the artifact", command)
	}
	path := filepath.Join(dir, filepath.FromSlash(command))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("command %q escapes the artifact", command)
	}
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !st.Mode().IsRegular() {
		return "", fmt.Errorf("command %q is not a regular file", command)
	}
	if st.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("command %q is not executable", command)
	}
	return path, nil
}

type processInstance struct {
	loader *ProcessLoader
	c      *Context
	et     *EntryType
	path   string
}

type invocationPayload struct {
	FireInstanceID string         `json:"fire_instance_id"`
	JobID          int64          `json:"job_id"`
	Entry          string         `json:"entry"`
	Parameters     map[string]any `json:"parameters"`
}

func (p *processInstance) Execute(ctx context.Context, inv Invocation) error {
	if err := p.c.usable(); err != nil {
		return err
	}
	log := inv.Logger
	if log.IsZero() {
		log = p.loader.log
	}
	log = log.With(logx.String("entry", p.et.Name))

	params := inv.Parameters
	if params == nil {
		params = map[string]any{}
	}
	payload, err := json.Marshal(invocationPayload{
		FireInstanceID: inv.FireInstanceID,
		JobID:          inv.JobID,
		Entry:          p.et.Name,
		Parameters:     params,
	})
	if err != nil {
		return &InvocationError{Entry: p.et.Name, ExitCode: -1, Err: err}
	}

	// Cancelled by the caller or by closing the context.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.c.ctx, cancel)
	defer stop()

	lim := rate.NewLimiter(rate.Limit(p.loader.cfg.LogLinesPerSec), p.loader.cfg.LogLinesPerSec)
	var dropped atomic.Uint64
	stdout := newLineLogger(log, inv.Output, domain.StreamStdout, lim, &dropped)
	stderr := newLineLogger(log, inv.Output, domain.StreamStderr, lim, &dropped)

	cmd := exec.CommandContext(runCtx, p.path, p.et.Entry.Args...)
	cmd.Dir = p.c.Dir
	cmd.Env = p.environ(inv)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = p.loader.cfg.KillGrace

	start := time.Now()
	runErr := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if n := dropped.Load(); n > 0 {
		log.Warn("job output throttled", logx.Uint64("dropped_lines", n))
	}
	log.Debug("job process exited", logx.Duration("took", time.Since(start)), logx.Int("exit_code", cmd.ProcessState.ExitCode()))

	return classifyExit(runCtx, p.et.Name, runErr, stderr.Last())
}

func (p *processInstance) environ(inv Invocation) []string {
	env := os.Environ()
	for k, v := range p.et.Entry.Env {
		env = append(env, k+"="+v)
	}
	return append(env,
		"PUDDLE_JOB_ID="+strconv.FormatInt(inv.JobID, 10),
		"PUDDLE_FIRE_INSTANCE_ID="+inv.FireInstanceID,
		"PUDDLE_CONTEXT_ID="+p.c.ID,
		"PUDDLE_ARTIFACT_DIR="+p.et.Unit.Dir,
		"PUDDLE_ENTRY="+p.et.Name,
	)
}

// classifyExit maps a finished process to nil, ErrInvocationCancelled or
// *InvocationError. A process counts as cancelled when ctx was cancelled or
// it was ended by SIGINT or SIGTERM; exiting with 130 or 143 on its own is
// an ordinary failure.
func classifyExit(ctx context.Context, entry string, err error, lastStderr string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrInvocationCancelled, context.Cause(ctx))
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if sig, ok := terminatingSignal(ee); ok {
			return fmt.Errorf("%w: terminated by %v", ErrInvocationCancelled, sig)
		}
		return &InvocationError{Entry: entry, ExitCode: ee.ExitCode(), Stderr: lastStderr, Err: err}
	}
	return &InvocationError{Entry: entry, ExitCode: -1, Err: err}
}

func terminatingSignal(ee *exec.ExitError) (syscall.Signal, bool) {
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0, false
	}
	switch sig := ws.Signal(); sig {
	case syscall.SIGINT, syscall.SIGTERM:
		return sig, true
	}
	return 0, false
}
