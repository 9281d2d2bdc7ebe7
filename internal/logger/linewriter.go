package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// LineWriter turns a byte stream (a child's stdout, installer output) into
// one log record per line. An optional mirror receives the raw bytes.
type LineWriter struct {
	mu     sync.Mutex
	log    *slog.Logger
	level  slog.Level
	buf    bytes.Buffer
	mirror io.Writer
}

func NewLineWriter(l *slog.Logger, level slog.Level, mirror io.Writer) *LineWriter {
	return &LineWriter{log: OrDefault(l), level: level, mirror: mirror}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mirror != nil {
		_, _ = w.mirror.Write(p)
	}
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.emit(line)
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	w.log.Log(context.Background(), w.level, line)
}
