package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
)

// Memory is the reference in-process store: an op log per document. The
// "state vector" is the count of applied ops encoded as 8 bytes big-endian,
// and a sync-step-1 diff is the framed batch of ops past that count. Updates
// remain opaque; the op log only appends.
//
// Intended for single-node deployments and tests. Real deployments plug in a
// store backed by an actual CRDT implementation.
type Memory struct {
	mu   sync.Mutex
	docs map[string]*memoryDoc
}

type memoryDoc struct {
	opMu   sync.Mutex // content mutations
	metaMu sync.Mutex // metadata reads/writes
	txMu   sync.Mutex // Transaction scope

	ops  [][]byte
	size int64
	meta Metadata
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*memoryDoc)}
}

func (s *Memory) doc(docID string) *memoryDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		d = &memoryDoc{}
		s.docs[docID] = d
	}
	return d
}

func (s *Memory) lookup(docID string) (*memoryDoc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	return d, ok
}

func encodeStateVector(n uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, n)
	return out
}

func decodeStateVector(sv []byte) (uint64, error) {
	if len(sv) == 0 {
		return 0, nil
	}
	if len(sv) != 8 {
		return 0, errors.New("storage: malformed state vector")
	}
	return binary.BigEndian.Uint64(sv), nil
}

// frameOps packs ops into one diff blob: 4-byte big-endian length per op.
func frameOps(ops [][]byte) []byte {
	var total int
	for _, op := range ops {
		total += 4 + len(op)
	}
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	for _, op := range ops {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(op)))
		out = append(out, lenBuf[:]...)
		out = append(out, op...)
	}
	return out
}

func splitOps(diff []byte) ([][]byte, bool) {
	var ops [][]byte
	for len(diff) > 0 {
		if len(diff) < 4 {
			return nil, false
		}
		n := binary.BigEndian.Uint32(diff[:4])
		if uint64(4+n) > uint64(len(diff)) {
			return nil, false
		}
		op := make([]byte, n)
		copy(op, diff[4:4+n])
		ops = append(ops, op)
		diff = diff[4+n:]
	}
	return ops, true
}

// HandleSyncStep1 returns the ops the remote side has not seen plus this
// side's state vector.
func (s *Memory) HandleSyncStep1(_ context.Context, docID string, stateVector []byte) (*Document, error) {
	have, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	d := s.doc(docID)
	d.opMu.Lock()
	defer d.opMu.Unlock()

	var missing [][]byte
	if have < uint64(len(d.ops)) {
		missing = d.ops[have:]
	}
	d.metaMu.Lock()
	meta := d.meta
	meta.SizeBytes = d.size
	d.metaMu.Unlock()

	return &Document{
		ID:       docID,
		Metadata: meta,
		Content: Content{
			Update:      frameOps(missing),
			StateVector: encodeStateVector(uint64(len(d.ops))),
		},
	}, nil
}

// HandleSyncStep2 ingests a remote diff. Diffs produced by HandleSyncStep1
// are unpacked back into individual ops; anything else is appended opaquely.
func (s *Memory) HandleSyncStep2(_ context.Context, docID string, update []byte) error {
	d := s.doc(docID)
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if ops, ok := splitOps(update); ok {
		for _, op := range ops {
			d.appendLocked(op)
		}
		return nil
	}
	d.appendLocked(update)
	return nil
}

// HandleUpdate appends one incremental update.
func (s *Memory) HandleUpdate(_ context.Context, docID string, update []byte) error {
	d := s.doc(docID)
	d.opMu.Lock()
	defer d.opMu.Unlock()
	d.appendLocked(update)
	return nil
}

func (d *memoryDoc) appendLocked(op []byte) {
	cp := make([]byte, len(op))
	copy(cp, op)
	d.ops = append(d.ops, cp)
	d.metaMu.Lock()
	d.size += int64(len(op))
	d.metaMu.Unlock()
}

// GetDocument returns a snapshot of the document, or nil when absent.
func (s *Memory) GetDocument(_ context.Context, docID string) (*Document, error) {
	d, ok := s.lookup(docID)
	if !ok {
		return nil, nil
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	d.metaMu.Lock()
	meta := d.meta
	meta.SizeBytes = d.size
	d.metaMu.Unlock()
	return &Document{
		ID:       docID,
		Metadata: meta,
		Content: Content{
			Update:      frameOps(d.ops),
			StateVector: encodeStateVector(uint64(len(d.ops))),
		},
	}, nil
}

func (s *Memory) GetDocumentMetadata(_ context.Context, docID string) (Metadata, error) {
	d, ok := s.lookup(docID)
	if !ok {
		return Metadata{}, nil
	}
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	meta := d.meta
	meta.SizeBytes = d.size
	return meta, nil
}

func (s *Memory) WriteDocumentMetadata(_ context.Context, docID string, meta Metadata) error {
	d := s.doc(docID)
	d.metaMu.Lock()
	defer d.metaMu.Unlock()
	size := d.size
	d.meta = meta
	d.size = size
	if meta.SizeBytes > 0 {
		d.size = meta.SizeBytes
	}
	return nil
}

func (s *Memory) DeleteDocument(_ context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docID)
	return nil
}

// Transaction runs fn with the document's transaction lock held, serialising
// metadata updates for that document.
func (s *Memory) Transaction(_ context.Context, docID string, fn func() error) error {
	d := s.doc(docID)
	d.txMu.Lock()
	defer d.txMu.Unlock()
	return fn()
}

// EncryptedMemory layers pass-through encrypted handling on the op-log store:
// ciphertext updates are stored opaquely and rebroadcast as stored.
type EncryptedMemory struct {
	*Memory
}

// NewEncryptedMemory creates an encrypted-aware in-process store.
func NewEncryptedMemory() *EncryptedMemory {
	return &EncryptedMemory{Memory: NewMemory()}
}

// HandleEncryptedUpdate stores the ciphertext update and returns it for
// broadcast.
func (s *EncryptedMemory) HandleEncryptedUpdate(ctx context.Context, docID string, update []byte) ([]byte, error) {
	if err := s.HandleUpdate(ctx, docID, update); err != nil {
		return nil, err
	}
	return update, nil
}

// HandleEncryptedSyncStep2 stores the ciphertext diff and returns the stored
// updates for broadcast.
func (s *EncryptedMemory) HandleEncryptedSyncStep2(ctx context.Context, docID string, update []byte) ([][]byte, error) {
	ops, ok := splitOps(update)
	if !ok {
		ops = [][]byte{update}
	}
	d := s.doc(docID)
	d.opMu.Lock()
	defer d.opMu.Unlock()
	stored := make([][]byte, 0, len(ops))
	for _, op := range ops {
		d.appendLocked(op)
		stored = append(stored, op)
	}
	return stored, nil
}
