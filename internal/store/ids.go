package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a time-sortable, unique message identifier: a
// millisecond timestamp prefix (hex, fixed width so lexical order matches
// chronological order) followed by random suffix bytes. Message ids are
// ULID-ish by requirement (§ message routing, step 4) since the store
// orders and pages through them chronologically; session/connection ids
// carry no such ordering requirement and use a plain UUID instead.
func NewMessageID() (string, error) {
	return newSortableID("msg")
}

// NewSessionID returns a session identifier.
func NewSessionID() (string, error) {
	return "sess_" + uuid.NewString(), nil
}

// NewConnID returns a connection identifier.
func NewConnID() (string, error) {
	return "conn_" + uuid.NewString(), nil
}

// NewAttachmentID returns a short random hex id, the `<short-id>` half of
// the `<short-id>-<ms>.<ext>` attachment filename scheme in §6.
func NewAttachmentID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate attachment id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func newSortableID(prefix string) (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	ms := time.Now().UTC().UnixMilli()
	return fmt.Sprintf("%s_%013x%s", prefix, ms, hex.EncodeToString(buf)), nil
}
