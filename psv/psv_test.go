package psv

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `Region!STRING:0|BuildConfig!HEX:16|BuildId!DEC:4
us|0123abcd0123abcd0123abcd0123abcd|12345
eu|
`

func TestParseHeaderAndRows(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, tbl.Fields, 3)
	assert.Equal(t, "Region", tbl.Fields[0].Name)
	assert.Equal(t, TypeHex, tbl.Fields[1].Type)
	assert.Equal(t, 16, tbl.Fields[1].Len)

	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "us", tbl.Rows[0].Get("Region"))
	assert.Equal(t, "0123abcd0123abcd0123abcd0123abcd", tbl.Rows[0].Get("BuildConfig"))
	assert.Equal(t, "12345", tbl.Rows[0].Get("BuildId"))
}

func TestParseShortRowFillsEmptyCells(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, "", tbl.Rows[1].Get("BuildConfig"))
	assert.Equal(t, "", tbl.Rows[1].Get("BuildId"))
}

func TestParseIgnoresBlankAndCommentLines(t *testing.T) {
	doc := "# header follows\nRegion!STRING:0\n\nus\n# trailing comment\neu\n"
	tbl, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Len(t, tbl.Rows, 2)
}

func TestParseMissingHeaderFails(t *testing.T) {
	_, err := Parse(strings.NewReader("\n# only comments\n"))
	assert.Error(t, err)
}

func TestParseMalformedHeaderFails(t *testing.T) {
	_, err := Parse(strings.NewReader("Region\nus\n"))
	assert.Error(t, err)
}

func TestEncodeRoundTrip(t *testing.T) {
	tbl, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, tbl))

	reparsed, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, tbl.Fields, reparsed.Fields)
	assert.Equal(t, tbl.Rows, reparsed.Rows)
}
