package tree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetadataComparator(t *testing.T) {
	t0 := time.Unix(1000, 0)
	t1 := time.Unix(1001, 0)

	cases := []struct {
		name string
		a, b Entry
		want bool
	}{
		{"same file", NewFile("f", 3, t0), NewFile("f", 3, t0), true},
		{"size differs", NewFile("f", 3, t0), NewFile("f", 4, t0), false},
		{"mtime differs", NewFile("f", 3, t0), NewFile("f", 3, t1), false},
		{"dirs always equal", NewDir("d"), NewDir("d"), true},
		{"kind differs", NewFile("x", 0, time.Time{}), NewDir("x"), false},
		{"same instant other zone", NewFile("f", 1, t0), Entry{Path: "f", Kind: KindFile, Size: 1, ModTime: t0.In(time.FixedZone("x", 3600))}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, MetadataComparator(c.a, c.b))
		})
	}
}

func TestSnapshotHelpers(t *testing.T) {
	s := Snapshot{
		"b":   NewFile("b", 10, time.Unix(1, 0)),
		"a":   NewDir("a"),
		"a/c": NewFile("a/c", 5, time.Unix(1, 0)),
	}

	assert.Equal(t, []string{"a", "a/c", "b"}, s.Paths())

	files, dirs, size := s.Stats()
	assert.Equal(t, 2, files)
	assert.Equal(t, 1, dirs)
	assert.EqualValues(t, 15, size)

	assert.Nil(t, s.Lookup("zzz"))
	e := s.Lookup("b")
	if assert.NotNil(t, e) {
		e.Size = 99
		assert.EqualValues(t, 10, s["b"].Size, "lookup returns a copy")
	}

	c := s.Clone()
	delete(c, "b")
	assert.Contains(t, s, "b")
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, 1, Depth("a"))
	assert.Equal(t, 3, Depth("a/b/c"))
	assert.Equal(t, []string{"a", "a/b"}, Ancestors("a/b/c"))
	assert.Empty(t, Ancestors("a"))
	assert.True(t, IsDescendant("a", "a/b"))
	assert.False(t, IsDescendant("a", "ab"))
	assert.False(t, IsDescendant("a", "a"))
}
