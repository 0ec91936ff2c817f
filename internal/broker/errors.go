package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrServerClosed is returned by operations on a disposed server.
	ErrServerClosed = errors.New("broker: server closed")
	// ErrSessionDisposed is returned when a message reaches a session that
	// has already been torn down.
	ErrSessionDisposed = errors.New("broker: session disposed")
	// ErrClientDisposed is returned by sends on a destroyed client.
	ErrClientDisposed = errors.New("broker: client disposed")
	// ErrClientNotFound reports a client id missing from the registry. Never
	// sent to clients.
	ErrClientNotFound = errors.New("broker: client not found")
	// ErrSessionNotFound reports a session missing from the registry. Never
	// sent to clients.
	ErrSessionNotFound = errors.New("broker: session not found")
)

// EncryptionMismatchError reports that a session's immutable encrypted flag
// disagrees with a message or with a concurrent session open.
type EncryptionMismatchError struct {
	DocumentID string
}

func (e *EncryptionMismatchError) Error() string {
	return fmt.Sprintf("broker: encryption mismatch for document %q", e.DocumentID)
}
