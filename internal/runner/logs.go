package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SessionLogs writes the per-invocation artifact pair: a JSONL event log of
// every raw runner event and a markdown transcript of the readable
// conversation. Files open under a placeholder name and rotate to their final
// session-scoped names once the runner assigns its session id.
type SessionLogs struct {
	mu      sync.Mutex
	dir     string
	stamp   string
	session string

	events     *os.File
	transcript *os.File
}

// NewSessionLogs opens the artifact pair in dir. The directory is created if
// missing.
func NewSessionLogs(dir string) (*SessionLogs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &SessionLogs{dir: dir, stamp: time.Now().UTC().Format("20060102-150405")}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SessionLogs) open() error {
	events, err := os.OpenFile(l.eventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	transcript, err := os.OpenFile(l.transcriptPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		events.Close()
		return err
	}
	l.events = events
	l.transcript = transcript
	return nil
}

func (l *SessionLogs) base() string {
	if l.session != "" {
		return fmt.Sprintf("session-%s-%s", l.session, l.stamp)
	}
	return fmt.Sprintf("session-pending-%s", l.stamp)
}

func (l *SessionLogs) eventsPath() string {
	return filepath.Join(l.dir, l.base()+".jsonl")
}

func (l *SessionLogs) transcriptPath() string {
	return filepath.Join(l.dir, l.base()+".md")
}

// Rotate renames the artifact pair to include the runner session id. Called
// once, when the id is first observed.
func (l *SessionLogs) Rotate(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sessionID == "" || l.session == sessionID {
		return nil
	}

	oldEvents, oldTranscript := l.eventsPath(), l.transcriptPath()
	l.session = sessionID

	l.events.Close()
	l.transcript.Close()
	if err := os.Rename(oldEvents, l.eventsPath()); err != nil {
		return err
	}
	if err := os.Rename(oldTranscript, l.transcriptPath()); err != nil {
		return err
	}
	return l.open()
}

// AppendEvent records one raw runner event line in the JSONL log.
func (l *SessionLogs) AppendEvent(raw json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil || len(raw) == 0 {
		return
	}
	l.events.Write(raw)
	l.events.Write([]byte{'\n'})
}

// AppendTranscript records one readable entry in the markdown transcript.
func (l *SessionLogs) AppendTranscript(role, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transcript == nil || text == "" {
		return
	}
	fmt.Fprintf(l.transcript, "### %s\n\n%s\n\n", role, text)
}

// Close flushes and closes both files.
func (l *SessionLogs) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	if l.events != nil {
		if err := l.events.Close(); err != nil {
			first = err
		}
		l.events = nil
	}
	if l.transcript != nil {
		if err := l.transcript.Close(); err != nil && first == nil {
			first = err
		}
		l.transcript = nil
	}
	return first
}
