// Package parser implements C6: incremental, idempotent extraction of the
// three embedded languages an agent's pane output may contain — the
// `->relay:` command, `[[SUMMARY]]` blocks and `[[SESSION_END]]` blocks.
// Grounded in the reference terminal monitor's regex-driven pane-delta
// scanning (internal/terminal/monitor.go), adapted from ANSI-stripped
// prompt detection to these three textual mini-languages.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// RelayCommand is one parsed `->relay:` emission.
type RelayCommand struct {
	Recipient string
	Body      string
	Meta      CommandMeta
}

// CommandMeta is the optional `[importance=..] [replyTo=..] [ack]` suffix.
type CommandMeta struct {
	Importance  int
	ReplyTo     string
	RequiresAck bool
}

// Summary is a parsed `[[SUMMARY]]` block's JSON body.
type Summary struct {
	CurrentTask    string   `json:"currentTask,omitempty"`
	CompletedTasks []string `json:"completedTasks,omitempty"`
	Context        string   `json:"context,omitempty"`
	Decisions      []string `json:"decisions,omitempty"`
	Files          []string `json:"files,omitempty"`
}

// SessionEnd is a parsed `[[SESSION_END]]` block's JSON body.
type SessionEnd struct {
	Summary        string   `json:"summary"`
	CompletedTasks []string `json:"completedTasks,omitempty"`
}

// Emission is one piece of parsed output, content-hash identified so the
// same accumulated buffer re-fed to the parser never re-emits it.
type Emission struct {
	Hash       string
	Command    *RelayCommand
	Summary    *Summary
	SessionEnd *SessionEnd
	Malformed  bool // SUMMARY/SESSION_END body failed to parse as JSON
}

var (
	singleLineCmd = regexp.MustCompile(`(?m)^->relay:(\S+)[ \t]+(.*)$`)
	fencedStart   = regexp.MustCompile(`(?m)^->relay:(\S+)[ \t]*<<<[ \t]*$`)
	metaTag       = regexp.MustCompile(`\[(importance|replyTo|ack)(=([^\]]*))?\]`)

	summaryBlock    = regexp.MustCompile(`(?s)\[\[SUMMARY\]\](.*?)\[\[/SUMMARY\]\]`)
	sessionEndBlock = regexp.MustCompile(`(?s)\[\[SESSION_END\]\](.*?)\[\[/SESSION_END\]\]`)
)

// Parser is incremental and idempotent: it tracks every content hash it
// has already emitted so a re-read of the same pane buffer (the common
// case, since the pane is captured by re-read rather than streamed)
// produces each emission exactly once.
type Parser struct {
	mu   sync.Mutex
	seen map[string]bool
}

// New builds an empty Parser.
func New() *Parser {
	return &Parser{seen: make(map[string]bool)}
}

// Feed scans buf (ANSI-stripped, wrapped lines already rejoined by the
// caller) and returns every not-yet-seen emission.
func (p *Parser) Feed(buf string) []Emission {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Emission

	for _, cmd := range parseRelayCommands(buf) {
		h := hashOf("cmd", cmd.Recipient, cmd.Body)
		if p.seen[h] {
			continue
		}
		p.seen[h] = true
		c := cmd
		out = append(out, Emission{Hash: h, Command: &c})
	}

	for _, raw := range findBlocks(summaryBlock, buf) {
		h := hashOf("summary", raw)
		if p.seen[h] {
			continue
		}
		p.seen[h] = true
		var s Summary
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &s); err != nil {
			out = append(out, Emission{Hash: h, Malformed: true})
			continue
		}
		out = append(out, Emission{Hash: h, Summary: &s})
	}

	for _, raw := range findBlocks(sessionEndBlock, buf) {
		h := hashOf("session_end", raw)
		if p.seen[h] {
			continue
		}
		p.seen[h] = true
		var se SessionEnd
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &se); err != nil {
			out = append(out, Emission{Hash: h, Malformed: true})
			continue
		}
		out = append(out, Emission{Hash: h, SessionEnd: &se})
	}

	return out
}

// parseRelayCommands extracts both single-line and fenced multi-line
// `->relay:` commands, skipping any line whose command is escaped with a
// leading backslash.
func parseRelayCommands(buf string) []RelayCommand {
	var out []RelayCommand
	lines := strings.Split(buf, "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), `\->relay:`) {
			continue // literal escape
		}

		if m := fencedStart.FindStringSubmatch(line); m != nil {
			recipient := m[1]
			var bodyLines []string
			end := -1
			for j := i + 1; j < len(lines); j++ {
				if strings.TrimSpace(lines[j]) == ">>>" {
					end = j
					break
				}
				bodyLines = append(bodyLines, lines[j])
			}
			if end == -1 {
				continue // unterminated block, wait for more output
			}
			out = append(out, RelayCommand{Recipient: recipient, Body: strings.Join(bodyLines, "\n")})
			i = end
			continue
		}

		if m := singleLineCmd.FindStringSubmatch(line); m != nil {
			if strings.HasPrefix(strings.TrimLeft(line, " \t"), `\`) {
				continue
			}
			recipient := m[1]
			rest := m[2]
			if strings.HasSuffix(rest, "<<<") {
				continue // actually a fenced start mis-split; handled above
			}
			body, meta := splitMeta(rest)
			out = append(out, RelayCommand{Recipient: recipient, Body: body, Meta: meta})
		}
	}
	return out
}

func splitMeta(s string) (string, CommandMeta) {
	var meta CommandMeta
	body := metaTag.ReplaceAllStringFunc(s, func(tag string) string {
		m := metaTag.FindStringSubmatch(tag)
		switch m[1] {
		case "importance":
			var n int
			_, _ = fmt.Sscanf(m[3], "%d", &n)
			meta.Importance = n
		case "replyTo":
			meta.ReplyTo = m[3]
		case "ack":
			meta.RequiresAck = true
		}
		return ""
	})
	return strings.TrimSpace(body), meta
}

func findBlocks(re *regexp.Regexp, buf string) []string {
	matches := re.FindAllStringSubmatch(buf, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func hashOf(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
