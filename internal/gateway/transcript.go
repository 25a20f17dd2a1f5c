package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// TranscriptEvent is one line of a session transcript.
type TranscriptEvent struct {
	Timestamp  string         `json:"timestamp"`
	ClientID   string         `json:"client_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// TranscriptLogger records conversation traffic for later review.
type TranscriptLogger interface {
	Log(event TranscriptEvent)
	Close() error
}

// TranscriptLogConfig configures the file-backed transcript logger.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// NoopTranscriptLogger discards every event.
type NoopTranscriptLogger struct{}

func (NoopTranscriptLogger) Log(TranscriptEvent) {}
func (NoopTranscriptLogger) Close() error        { return nil }

// fileTranscriptLogger appends NDJSON lines to one file per session,
// laid out as <dir>/<clientID>/<sessionID>.ndjson. Writes run on a
// single background goroutine so logging never blocks a live turn.
type fileTranscriptLogger struct {
	dir    string
	log    *slog.Logger
	queue  chan TranscriptEvent
	done   chan struct{}
	closed sync.Once
}

// NewTranscriptLogger creates a transcript logger. When disabled it
// returns a no-op implementation.
func NewTranscriptLogger(cfg TranscriptLogConfig, log *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return NoopTranscriptLogger{}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript log dir is required when logging is enabled")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript log dir: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	l := &fileTranscriptLogger{
		dir:   cfg.Dir,
		log:   log,
		queue: make(chan TranscriptEvent, queueSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues an event. A full queue drops the event rather than
// stalling the caller.
func (l *fileTranscriptLogger) Log(event TranscriptEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}
	select {
	case l.queue <- event:
	default:
		l.log.Warn("transcript queue full, dropping event",
			"session_id", event.SessionID,
			"event_type", event.EventType,
		)
	}
}

// Close drains the queue and stops the writer goroutine.
func (l *fileTranscriptLogger) Close() error {
	l.closed.Do(func() {
		close(l.queue)
		<-l.done
	})
	return nil
}

func (l *fileTranscriptLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.log.Warn("failed to write transcript event",
				"session_id", event.SessionID,
				"error", err,
			)
		}
	}
}

func (l *fileTranscriptLogger) write(event TranscriptEvent) error {
	clientDir := filepath.Join(l.dir, sanitizePathComponent(event.ClientID))
	if err := os.MkdirAll(clientDir, 0o750); err != nil {
		return err
	}
	path := filepath.Join(clientDir, sanitizePathComponent(event.SessionID)+".ndjson")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// sanitizePathComponent keeps ids usable as file names. Ids are
// server-generated UUIDs in practice; this guards the layout anyway.
func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// cleanForReadability strips ANSI escape sequences and control bytes so
// transcripts stay greppable.
func cleanForReadability(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r >= 0x20 {
			return r
		}
		return -1
	}, s)
}
