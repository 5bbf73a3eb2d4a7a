package chunkstore

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vanstone-io/coalesce/pkg/types"
)

const testMaxChunkSize = 1024

func newTestStore(t *testing.T) (*Store, string) {
	root := t.TempDir()
	store, err := New(root, testMaxChunkSize)
	require.NoError(t, err)
	return store, root
}

func TestWriteChunk(t *testing.T) {
	store, root := newTestStore(t)
	uploadID := uuid.NewString()

	n, err := store.WriteChunk(uploadID, 0, strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	data, err := os.ReadFile(filepath.Join(root, uploadID, "0.chunk"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestWriteChunk_OverwriteIsIdempotent(t *testing.T) {
	store, root := newTestStore(t)
	uploadID := uuid.NewString()

	_, err := store.WriteChunk(uploadID, 2, strings.NewReader("first attempt"))
	require.NoError(t, err)

	// Retry with different bytes replaces the slot and touches nothing else
	_, err = store.WriteChunk(uploadID, 2, strings.NewReader("retry"))
	require.NoError(t, err)
	_, err = store.WriteChunk(uploadID, 3, strings.NewReader("sibling"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, uploadID, "2.chunk"))
	require.NoError(t, err)
	assert.Equal(t, "retry", string(data))

	sibling, err := os.ReadFile(filepath.Join(root, uploadID, "3.chunk"))
	require.NoError(t, err)
	assert.Equal(t, "sibling", string(sibling))
}

func TestWriteChunk_TooLarge(t *testing.T) {
	store, root := newTestStore(t)
	uploadID := uuid.NewString()

	payload := bytes.Repeat([]byte("x"), testMaxChunkSize+1)
	_, err := store.WriteChunk(uploadID, 0, bytes.NewReader(payload))
	assert.ErrorIs(t, err, types.ErrChunkTooLarge)

	// The partial slot must be gone
	_, statErr := os.Stat(filepath.Join(root, uploadID, "0.chunk"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteChunk_ExactLimitAccepted(t *testing.T) {
	store, _ := newTestStore(t)

	payload := bytes.Repeat([]byte("x"), testMaxChunkSize)
	n, err := store.WriteChunk(uuid.NewString(), 0, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(testMaxChunkSize), n)
}

func TestWriteChunk_NegativeIndex(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.WriteChunk(uuid.NewString(), -1, strings.NewReader("x"))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestListChunkIndices(t *testing.T) {
	store, root := newTestStore(t)
	uploadID := uuid.NewString()

	for _, i := range []int{3, 0, 7} {
		_, err := store.WriteChunk(uploadID, i, strings.NewReader("data"))
		require.NoError(t, err)
	}

	// Stray files are not chunk slots
	require.NoError(t, os.WriteFile(filepath.Join(root, uploadID, "notes.txt"), []byte("x"), 0644))

	indices, err := store.ListChunkIndices(uploadID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 7}, indices)
}

func TestListChunkIndices_UnknownUpload(t *testing.T) {
	store, _ := newTestStore(t)

	indices, err := store.ListChunkIndices(uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestConcatenateInOrder(t *testing.T) {
	store, _ := newTestStore(t)
	uploadID := uuid.NewString()

	// Written out of order, concatenated in order
	parts := []string{"alpha-", "bravo-", "charlie"}
	for _, i := range []int{2, 0, 1} {
		_, err := store.WriteChunk(uploadID, i, strings.NewReader(parts[i]))
		require.NoError(t, err)
	}

	var out bytes.Buffer
	n, err := store.ConcatenateInOrder(uploadID, 3, &out)
	require.NoError(t, err)
	assert.Equal(t, "alpha-bravo-charlie", out.String())
	assert.Equal(t, int64(out.Len()), n)
}

func TestConcatenateInOrder_MissingChunk(t *testing.T) {
	store, _ := newTestStore(t)
	uploadID := uuid.NewString()

	_, err := store.WriteChunk(uploadID, 0, strings.NewReader("only"))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = store.ConcatenateInOrder(uploadID, 2, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInternalConsistency)

	var missing *types.MissingChunkError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 1, missing.Index)
}

func TestPurge(t *testing.T) {
	store, root := newTestStore(t)
	uploadID := uuid.NewString()

	for i := 0; i < 3; i++ {
		_, err := store.WriteChunk(uploadID, i, strings.NewReader("data"))
		require.NoError(t, err)
	}

	store.Purge(uploadID)

	_, err := os.Stat(filepath.Join(root, uploadID))
	assert.True(t, os.IsNotExist(err))
}

func TestPurge_UnknownUploadIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	store.Purge(uuid.NewString())
}
