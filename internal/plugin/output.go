package plugin

import (
	"bytes"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"puddlejobs/internal/domain"
	logx "puddlejobs/pkg/logx"
)

const maxLineBytes = 4096

// lineLogger turns a process output stream into log lines. Lines beyond the
// shared rate limit are counted and dropped.
type lineLogger struct {
	log     logx.Logger
	sink    OutputSink
	stream  string
	limiter *rate.Limiter
	dropped *atomic.Uint64

	mu   sync.Mutex
	buf  []byte
	last string
}

func newLineLogger(log logx.Logger, sink OutputSink, stream string, lim *rate.Limiter, dropped *atomic.Uint64) *lineLogger {
	return &lineLogger{log: log, sink: sink, stream: stream, limiter: lim, dropped: dropped}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
}

// Last returns the last non-empty line seen.
func (w *lineLogger) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	s := string(line)
	w.last = s
	if w.limiter != nil && !w.limiter.Allow() {
		w.dropped.Add(1)
		return
	}
	level := "info"
	if w.stream == domain.StreamStderr {
		level = "warn"
		w.log.Warn(s, logx.String("stream", w.stream))
	} else {
		w.log.Info(s, logx.String("stream", w.stream))
	}
	if w.sink != nil {
		w.sink.Line(w.stream, level, s)
	}
}
