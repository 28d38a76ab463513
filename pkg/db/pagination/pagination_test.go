package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTripIsURLSafe(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "1780000000000000000", OccurredAt: "2026-03-01T10:00:00Z"})
	require.NoError(t, err)
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
	assert.NotContains(t, token, "=")

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "1780000000000000000", cursor.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidPageToken)

	cursor, err := DecodeCursor("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestBuildCursorPageInfo(t *testing.T) {
	ids := []int{9, 8, 7}
	extract := func(id int) Cursor { return Cursor{ID: strconv.Itoa(id)} }

	page, info, err := BuildCursorPageInfo(ids, 2, extract)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 8}, page)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "8", cursor.ID)

	page, info, err = BuildCursorPageInfo(ids, 3, extract)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestPageSizeClamp(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10_000}.Size())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Size())
}
