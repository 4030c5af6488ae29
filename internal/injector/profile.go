package injector

import "regexp"

// CLIProfile captures the per-CLI quirks the injector's preconditions and
// injection steps need: what its own chat prompt looks like (as opposed to
// a bare shell prompt, which must never receive injected text), whether it
// interprets shell metacharacters in pasted text, and whether it supports
// bracketed paste.
type CLIProfile struct {
	Name             string
	ChatPromptRegex  *regexp.Regexp
	ShellPromptRegex *regexp.Regexp
	WrapInBackticks  bool
	BracketedPaste   bool
}

// shellPromptDefault matches the common shell prompt glyphs ($, %, #).
var shellPromptDefault = regexp.MustCompile(`[$%#]\s*$`)

// DefaultProfile is used for any CLI with no specific entry below: it
// treats a line ending in "> " as the chat prompt and any of $/%/# as a
// shell prompt guard.
var DefaultProfile = CLIProfile{
	Name:             "default",
	ChatPromptRegex:  regexp.MustCompile(`>\s*$`),
	ShellPromptRegex: shellPromptDefault,
	WrapInBackticks:  false,
	BracketedPaste:   true,
}

var knownProfiles = map[string]CLIProfile{
	"claude": {
		Name:             "claude",
		ChatPromptRegex:  regexp.MustCompile(`>\s*$`),
		ShellPromptRegex: shellPromptDefault,
		WrapInBackticks:  false,
		BracketedPaste:   true,
	},
	"codex": {
		Name:             "codex",
		ChatPromptRegex:  regexp.MustCompile(`›\s*$|>\s*$`),
		ShellPromptRegex: shellPromptDefault,
		WrapInBackticks:  true,
		BracketedPaste:   false,
	},
	"gemini": {
		Name:             "gemini",
		ChatPromptRegex:  regexp.MustCompile(`>\s*$`),
		ShellPromptRegex: shellPromptDefault,
		WrapInBackticks:  false,
		BracketedPaste:   true,
	},
}

// ProfileFor looks up a CLI's injection profile, falling back to DefaultProfile.
func ProfileFor(cli string) CLIProfile {
	if p, ok := knownProfiles[cli]; ok {
		return p
	}
	return DefaultProfile
}
