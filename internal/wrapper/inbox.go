package wrapper

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInbox is the injector's file-based fallback delivery path: when
// injection into an agent's pane fails terminally, the message is appended
// to inbox.md under the agent's data directory instead of being lost.
type FileInbox struct {
	dir string
	mu  sync.Mutex
}

// NewFileInbox builds a FileInbox rooted at dir; directories are created on
// the first Append.
func NewFileInbox(dir string) *FileInbox {
	return &FileInbox{dir: dir}
}

// Append writes one Markdown block recording the undelivered message.
func (fi *FileInbox) Append(agentName, from, body string) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	agentDir := filepath.Join(fi.dir, agentName)
	if err := os.MkdirAll(agentDir, 0700); err != nil {
		return fmt.Errorf("inbox: create dir %s: %w", agentDir, err)
	}

	path := filepath.Join(agentDir, "inbox.md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("inbox: open %s: %w", path, err)
	}
	defer f.Close()

	block := fmt.Sprintf("## Message from %s | %s\n\n%s\n\n---\n\n",
		from, time.Now().UTC().Format(time.RFC3339), body)
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("inbox: write %s: %w", path, err)
	}
	return nil
}
