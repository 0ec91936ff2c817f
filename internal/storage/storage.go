// Package storage defines the pluggable CRDT store contract a session is
// parameterised by. The CRDT merge algorithm itself is a black box behind
// this interface: updates and state vectors are opaque byte slices that must
// survive round-trips untouched.
package storage

import "context"

// Metadata describes a stored document. SizeWarningThreshold and SizeLimit
// are optional; zero means unset and the server-level defaults apply.
type Metadata struct {
	SizeBytes            int64
	SizeWarningThreshold int64
	SizeLimit            int64
}

// Content is the sync payload pair produced by HandleSyncStep1: the diff the
// remote side needs plus this side's state vector.
type Content struct {
	Update      []byte
	StateVector []byte
}

// Document is a stored document snapshot.
type Document struct {
	ID       string
	Metadata Metadata
	Content  Content
}

// DocumentStorage is the per-document persistence contract. All operations
// take the namespaced document id. Implementations serialise doc-content
// mutations per document; the broker relies on CRDT commutativity to overlap
// broadcasts with mutations.
type DocumentStorage interface {
	// HandleSyncStep1 produces the diff the remote side needs given its state
	// vector, plus this side's own state vector.
	HandleSyncStep1(ctx context.Context, docID string, stateVector []byte) (*Document, error)
	// HandleSyncStep2 ingests a remote diff.
	HandleSyncStep2(ctx context.Context, docID string, update []byte) error
	// HandleUpdate ingests an incremental update produced by a client.
	HandleUpdate(ctx context.Context, docID string, update []byte) error

	// GetDocument returns the document, or nil when it does not exist.
	GetDocument(ctx context.Context, docID string) (*Document, error)
	GetDocumentMetadata(ctx context.Context, docID string) (Metadata, error)
	WriteDocumentMetadata(ctx context.Context, docID string, meta Metadata) error
	DeleteDocument(ctx context.Context, docID string) error

	// Transaction serialises metadata updates for a document: fn runs with
	// the document's transaction lock held.
	Transaction(ctx context.Context, docID string, fn func() error) error
}

// EncryptedDocumentStorage extends DocumentStorage for end-to-end encrypted
// documents. The variants may transform or suppress the payload; the session
// broadcasts what the storage returns, never the raw client payload.
type EncryptedDocumentStorage interface {
	DocumentStorage

	// HandleEncryptedUpdate ingests a ciphertext update and returns the bytes
	// to broadcast, or nil to suppress the broadcast.
	HandleEncryptedUpdate(ctx context.Context, docID string, update []byte) ([]byte, error)
	// HandleEncryptedSyncStep2 ingests a ciphertext diff and returns the
	// stored updates to broadcast.
	HandleEncryptedSyncStep2(ctx context.Context, docID string, update []byte) ([][]byte, error)
}
