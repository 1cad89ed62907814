package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gemicons/gems"
)

func TestParseGemFlags(t *testing.T) {
	got, err := parseGemFlags([]string{"Coder=data:image/png;base64,AA==", " Weekly Report = img.png "})
	require.NoError(t, err)
	assert.Equal(t, []gems.Binding{
		{Name: "Coder", Image: "data:image/png;base64,AA=="},
		{Name: "Weekly Report", Image: "img.png"},
	}, got)

	for _, bad := range []string{"Coder", "=img.png"} {
		_, err := parseGemFlags([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestWriteExplain(t *testing.T) {
	var buf bytes.Buffer
	writeExplain(&buf, []gems.Explanation{
		{Index: 0, Glyph: "C", Matched: true, Gem: "Coder", How: "ancestor"},
		{Index: 1, Glyph: "Z", Processed: true, How: "none"},
	})
	out := buf.String()
	assert.Contains(t, out, "GLYPH")
	assert.Regexp(t, `0\s+"C"\s+new\s+ancestor\s+Coder`, out)
	assert.Regexp(t, `1\s+"Z"\s+painted\s+none\s+-`, out)
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", shorten("abc", 5))
	assert.Equal(t, "abcd…", shorten("abcdefgh", 5))
}
