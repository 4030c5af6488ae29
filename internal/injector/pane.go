package injector

// Pane is the minimal surface the injector needs from a wrapped agent's
// terminal multiplexer pane. internal/wrapper's pane implementations
// satisfy this structurally; the injector never imports wrapper.
type Pane interface {
	// LastLine returns the pane's current bottom line, ANSI-stripped.
	LastLine() (string, error)

	// CursorColumn returns the cursor's current column (0-indexed).
	CursorColumn() (int, error)

	// Capture returns the pane's full visible contents, ANSI-stripped.
	Capture() (string, error)

	// CaptureHash returns a cryptographic hash of the pane's current
	// contents, cheaper than Capture when only change-detection is needed.
	CaptureHash() (string, error)

	// Paste writes text into the pane's paste buffer and issues a paste;
	// bracketed selects bracketed-paste mode for CLIs known to support it.
	Paste(text string, bracketed bool) error

	// Enter synthesizes an Enter keypress.
	Enter() error
}
