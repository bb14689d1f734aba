package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	id string
	at time.Time
}

func entryKey(e entry) (time.Time, string) { return e.at, e.id }

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 30, 0, 123, time.UTC)
	encoded := Encode(at, "as_7f3c")
	assert.NotContains(t, encoded, "=")

	c, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, at.Equal(c.CreatedAt))
	assert.Equal(t, "as_7f3c", c.ID)
}

func TestCursorIDMayContainSeparator(t *testing.T) {
	c, err := Decode(Encode(time.Unix(5, 0), "a|b"))
	require.NoError(t, err)
	assert.Equal(t, "a|b", c.ID)
}

func TestDecodeEmpty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		"!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|as_1")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrInvalidCursor, raw)
	}
}

func TestComputePage(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	items := []entry{
		{"as_4", base.Add(3 * time.Hour)},
		{"as_3", base.Add(2 * time.Hour)},
		{"as_2", base.Add(time.Hour)},
	}

	page, next, more := ComputePage(items, 5, entryKey)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage(items, 3, entryKey)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage(items, 2, entryKey)
	require.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "as_3", c.ID)
	assert.True(t, c.CreatedAt.Equal(base.Add(2*time.Hour)))
}
