// Package obslog is the operator log: every surfaced error must be both
// persisted on its Item and emitted here with enough context to reproduce
// (spec.md §7). Grounded on internal/rpc/client.go's rpcDebugLog/BD_RPC_DEBUG
// pattern in the teacher, generalized into a rotating file logger.
package obslog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes one line per event to a rotating log file, optionally
// mirroring to stderr when RMCITECRAFT_DEBUG is set.
type Logger struct {
	mu     sync.Mutex
	file   *lumberjack.Logger
	mirror bool
}

// New opens (creating parent dirs as needed by lumberjack) a rotating log
// at path. maxSizeMB/maxBackups/maxAgeDays of 0 fall back to lumberjack's
// own conservative defaults.
func New(path string, maxSizeMB, maxBackups, maxAgeDays int) *Logger {
	mirror := false
	if v := os.Getenv("RMCITECRAFT_DEBUG"); v == "1" || v == "true" {
		mirror = true
	}
	return &Logger{
		file: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		},
		mirror: mirror,
	}
}

// Event is one operator-log record: time, session, item, stage, kind, detail.
type Event struct {
	Session string
	Item    string
	Stage   string
	Kind    string
	Detail  string
}

// Log writes ev with a UTC timestamp.
func (l *Logger) Log(ev Event) {
	line := fmt.Sprintf("%s session=%s item=%s stage=%s kind=%s detail=%q\n",
		time.Now().UTC().Format(time.RFC3339Nano), ev.Session, ev.Item, ev.Stage, ev.Kind, ev.Detail)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.Write([]byte(line))
	if l.mirror {
		fmt.Fprint(os.Stderr, "[rmcitecraft] "+line)
	}
}

// Close flushes and closes the underlying rotating file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
