package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New(Request)
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, len("req_")+16)
	assert.NotEqual(t, id, New(Request))
}

func TestSortable(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Sortable(Assessment, at)
	b := Sortable(Assessment, at.Add(time.Millisecond))
	c := Sortable(Assessment, at.Add(48*time.Hour))

	assert.Len(t, a, len("asm_")+20)
	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Equal(t, a[:16], Sortable(Assessment, at)[:16], "same millisecond shares the time part")
}
