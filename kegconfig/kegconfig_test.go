package kegconfig

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keg/key"
)

func TestParseBasic(t *testing.T) {
	doc, err := Parse(strings.NewReader(`
# a comment
root = 0123abcd0123abcd0123abcd0123abcd
encoding = aaaa0000aaaa0000aaaa0000aaaa0000 bbbb1111bbbb1111bbbb1111bbbb1111

install-size = 42
`))
	require.NoError(t, err)

	assert.True(t, doc.Has("root"))
	assert.False(t, doc.Has("missing"))
	assert.Equal(t, "0123abcd0123abcd0123abcd0123abcd", doc.Value("root"))
	assert.Equal(t, []string{"aaaa0000aaaa0000aaaa0000aaaa0000", "bbbb1111bbbb1111bbbb1111bbbb1111"}, doc.Values("encoding"))
	assert.Equal(t, "42", doc.Value("install-size"))
	assert.Equal(t, []string{"root", "encoding", "install-size"}, doc.Keys())
}

func TestParseIgnoresBlankAndCommentLines(t *testing.T) {
	doc, err := Parse(strings.NewReader("\n# nothing here\n\n"))
	require.NoError(t, err)
	assert.Empty(t, doc.Keys())
}

func TestParseSkipsLinesWithoutEquals(t *testing.T) {
	doc, err := Parse(strings.NewReader("not-a-key-value-line\nroot = abcd\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, doc.Keys())
}

func TestKeyIsMD5OfRawBytes(t *testing.T) {
	raw := "root = abcd\n"
	doc, err := Parse(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, string(doc.Raw()))
	assert.Equal(t, key.Sum([]byte(raw)), doc.Key())
}

func TestSetPreservesExistingPositionAppendsNew(t *testing.T) {
	doc, err := Parse(strings.NewReader("a = 1\nb = 2\n"))
	require.NoError(t, err)

	doc.Set("a", "99")
	doc.Set("c", "3")

	assert.Equal(t, []string{"a", "b", "c"}, doc.Keys())
	assert.Equal(t, "99", doc.Value("a"))
	assert.Equal(t, "3", doc.Value("c"))
}

func TestEncodeRoundTrip(t *testing.T) {
	doc, err := Parse(strings.NewReader("a = 1 2\nb = 3\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, doc))

	reparsed, err := Parse(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, doc.Keys(), reparsed.Keys())
	assert.Equal(t, doc.Values("a"), reparsed.Values("a"))
	assert.Equal(t, doc.Values("b"), reparsed.Values("b"))
}
