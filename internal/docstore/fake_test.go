package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStore_ReturnsDistinctRefs(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	ref1, err := f.CreateStore(ctx, "geology")
	require.NoError(t, err)
	ref2, err := f.CreateStore(ctx, "geology")
	require.NoError(t, err)

	assert.NotEqual(t, ref1, ref2)
}

func TestAdd_ReturnsErrNotFoundForUnknownStore(t *testing.T) {
	f := NewFake()
	_, err := f.Add(context.Background(), "store_missing", []Document{{Name: "a", Bytes: []byte("x")}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdd_ReturnsOneRefPerDocument(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ref, err := f.CreateStore(ctx, "geology")
	require.NoError(t, err)

	docRefs, err := f.Add(ctx, ref, []Document{
		{Name: "a.md", Bytes: []byte("granite is igneous")},
		{Name: "b.md", Bytes: []byte("basalt is also igneous")},
	})
	require.NoError(t, err)
	require.Len(t, docRefs, 2)
	assert.NotEqual(t, docRefs[0], docRefs[1])
}

func TestSearch_ReturnsErrNotFoundForUnknownStore(t *testing.T) {
	f := NewFake()
	_, err := f.Search(context.Background(), "store_missing", "granite", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearch_MatchesCaseInsensitiveSubstring(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ref, err := f.CreateStore(ctx, "geology")
	require.NoError(t, err)
	_, err = f.Add(ctx, ref, []Document{
		{Name: "a.md", Bytes: []byte("Granite forms deep underground from cooling magma")},
		{Name: "b.md", Bytes: []byte("Sandstone is a sedimentary rock")},
	})
	require.NoError(t, err)

	hits, err := f.Search(ctx, ref, "GRANITE", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Excerpt, "cooling")
}

func TestSearch_ExcludesNonMatchingDocuments(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ref, err := f.CreateStore(ctx, "geology")
	require.NoError(t, err)
	_, err = f.Add(ctx, ref, []Document{
		{Name: "a.md", Bytes: []byte("granite forms from magma")},
		{Name: "b.md", Bytes: []byte("sandstone is sedimentary")},
	})
	require.NoError(t, err)

	hits, err := f.Search(ctx, ref, "basalt", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearch_RespectsTopKLimit(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ref, err := f.CreateStore(ctx, "geology")
	require.NoError(t, err)
	_, err = f.Add(ctx, ref, []Document{
		{Name: "a.md", Bytes: []byte("rock one")},
		{Name: "b.md", Bytes: []byte("rock two")},
		{Name: "c.md", Bytes: []byte("rock three")},
	})
	require.NoError(t, err)

	hits, err := f.Search(ctx, ref, "rock", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestSearch_EmptyQueryMatchesNothing(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ref, err := f.CreateStore(ctx, "geology")
	require.NoError(t, err)
	_, err = f.Add(ctx, ref, []Document{{Name: "a.md", Bytes: []byte("granite")}})
	require.NoError(t, err)

	hits, err := f.Search(ctx, ref, "", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDelete_RemovesStoreSoSubsequentSearchNotFound(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	ref, err := f.CreateStore(ctx, "geology")
	require.NoError(t, err)

	require.NoError(t, f.Delete(ctx, ref))

	_, err = f.Search(ctx, ref, "granite", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_OnUnknownRefIsANoop(t *testing.T) {
	f := NewFake()
	assert.NoError(t, f.Delete(context.Background(), "store_never_existed"))
}
