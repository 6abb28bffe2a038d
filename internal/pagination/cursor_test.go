package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	c, err := Decode(Encode(at, "pk_abc|def"))
	require.NoError(t, err)
	assert.True(t, at.Equal(c.CreatedAt))
	assert.Equal(t, "pk_abc|def", c.ID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"!!!", "bm9waXBl", "eHxwa18x"} {
		_, err := Decode(s)
		assert.Error(t, err, s)
	}
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-4))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(5000))
}

func TestCursorBefore(t *testing.T) {
	at := time.Unix(1000, 0)
	c := &Cursor{CreatedAt: at, ID: "m"}
	assert.True(t, c.Before(at.Add(-time.Second), "z"))
	assert.True(t, c.Before(at, "a"))
	assert.False(t, c.Before(at, "m"))
	assert.False(t, c.Before(at.Add(time.Second), "a"))

	var none *Cursor
	assert.True(t, none.Before(at, "x"))
}

func TestComputePage(t *testing.T) {
	type row struct {
		at time.Time
		id string
	}
	base := time.Unix(2000, 0)
	rows := []row{{base, "c"}, {base.Add(-time.Minute), "b"}, {base.Add(-2 * time.Minute), "a"}}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	page, next, more := ComputePage(rows, 2, key)
	assert.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next, more = ComputePage(rows, 5, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}
