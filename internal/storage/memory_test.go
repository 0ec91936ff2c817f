package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncHandshakeAgainstEmptyStore(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	doc, err := s.HandleSyncStep1(ctx, "d", nil)
	require.NoError(t, err)
	assert.Empty(t, doc.Content.Update)
	assert.Equal(t, encodeStateVector(0), doc.Content.StateVector)
}

func TestSyncStep1ReturnsMissingOps(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.HandleUpdate(ctx, "d", []byte("op1")))
	require.NoError(t, s.HandleUpdate(ctx, "d", []byte("op2")))
	require.NoError(t, s.HandleUpdate(ctx, "d", []byte("op3")))

	// A remote that has seen one op gets the remaining two.
	doc, err := s.HandleSyncStep1(ctx, "d", encodeStateVector(1))
	require.NoError(t, err)
	ops, ok := splitOps(doc.Content.Update)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("op2"), []byte("op3")}, ops)
	assert.Equal(t, encodeStateVector(3), doc.Content.StateVector)
}

func TestSyncStep2IngestsDiff(t *testing.T) {
	src := NewMemory()
	dst := NewMemory()
	ctx := context.Background()

	require.NoError(t, src.HandleUpdate(ctx, "d", []byte("op1")))
	require.NoError(t, src.HandleUpdate(ctx, "d", []byte("op2")))

	doc, err := src.HandleSyncStep1(ctx, "d", nil)
	require.NoError(t, err)
	require.NoError(t, dst.HandleSyncStep2(ctx, "d", doc.Content.Update))

	got, err := dst.GetDocument(ctx, "d")
	require.NoError(t, err)
	ops, ok := splitOps(got.Content.Update)
	require.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("op1"), []byte("op2")}, ops)
}

func TestGetDocumentAbsentReturnsNil(t *testing.T) {
	s := NewMemory()
	doc, err := s.GetDocument(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestMetadataTracksSize(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.HandleUpdate(ctx, "d", make([]byte, 100)))
	require.NoError(t, s.HandleUpdate(ctx, "d", make([]byte, 50)))

	meta, err := s.GetDocumentMetadata(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, int64(150), meta.SizeBytes)
}

func TestWriteMetadataKeepsThresholds(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.WriteDocumentMetadata(ctx, "d", Metadata{
		SizeWarningThreshold: 1024,
		SizeLimit:            4096,
	}))
	require.NoError(t, s.HandleUpdate(ctx, "d", make([]byte, 10)))

	meta, err := s.GetDocumentMetadata(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), meta.SizeWarningThreshold)
	assert.Equal(t, int64(4096), meta.SizeLimit)
	assert.Equal(t, int64(10), meta.SizeBytes)
}

func TestDeleteDocument(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.HandleUpdate(ctx, "d", []byte("op")))
	require.NoError(t, s.DeleteDocument(ctx, "d"))

	doc, err := s.GetDocument(ctx, "d")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestTransactionSerialisesPerDocument(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	var active, overlapped bool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Transaction(ctx, "d", func() error {
				mu.Lock()
				if active {
					overlapped = true
				}
				active = true
				mu.Unlock()

				mu.Lock()
				active = false
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.False(t, overlapped)
}

func TestEncryptedStorePassesStoredPayloadBack(t *testing.T) {
	s := NewEncryptedMemory()
	ctx := context.Background()

	out, err := s.HandleEncryptedUpdate(ctx, "d", []byte("cipher"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cipher"), out)

	stored, err := s.HandleEncryptedSyncStep2(ctx, "d", frameOps([][]byte{[]byte("c1"), []byte("c2")}))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("c1"), []byte("c2")}, stored)

	meta, err := s.GetDocumentMetadata(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, int64(len("cipher")+len("c1")+len("c2")), meta.SizeBytes)
}
