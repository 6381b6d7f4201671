package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestBasic(t *testing.T) {
	req, err := parseRequest(`PUSH messages default conversation:1 "Hello Valerian"`)
	require.NoError(t, err)

	assert.Equal(t, "PUSH", req.name)
	assert.Equal(t, []string{"messages", "default", "conversation:1"}, req.args)
	assert.True(t, req.hasText)
	assert.Equal(t, "Hello Valerian", req.text)
}

func TestParseRequestMeta(t *testing.T) {
	req, err := parseRequest(`QUERY messages default "hello world" LIMIT(20) OFFSET(5) LANG(eng)`)
	require.NoError(t, err)

	assert.Equal(t, []string{"messages", "default"}, req.args)
	assert.Equal(t, "hello world", req.text)

	limit, err := req.metaInt("LIMIT", 10)
	require.NoError(t, err)
	assert.Equal(t, 20, limit)

	offset, err := req.metaInt("OFFSET", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, offset)

	lang, ok := req.metaString("LANG")
	assert.True(t, ok)
	assert.Equal(t, "eng", lang)
}

func TestParseRequestMetaDefaults(t *testing.T) {
	req, err := parseRequest(`QUERY messages default "hello"`)
	require.NoError(t, err)

	limit, err := req.metaInt("LIMIT", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
}

func TestParseRequestBadMeta(t *testing.T) {
	req, err := parseRequest(`QUERY messages default "hello" LIMIT(ten)`)
	require.NoError(t, err)

	raw, ok := req.metaString("LIMIT")
	require.True(t, ok)
	assert.Equal(t, "ten", raw)

	_, err = req.metaInt("LIMIT", 10)
	assert.ErrorIs(t, err, errBadMetaValue)
}

func TestParseRequestUnescapesText(t *testing.T) {
	req, err := parseRequest(`PUSH c b o "say \"hi\" and\nbye \\ done"`)
	require.NoError(t, err)
	assert.Equal(t, "say \"hi\" and\nbye \\ done", req.text)
}

func TestParseRequestUnterminatedQuote(t *testing.T) {
	_, err := parseRequest(`PUSH c b o "oops`)
	assert.ErrorIs(t, err, errUnterminatedQuote)
}

func TestParseRequestLowercaseCommand(t *testing.T) {
	req, err := parseRequest(`ping`)
	require.NoError(t, err)
	assert.Equal(t, "PING", req.name)
}

func TestParseRequestEmptyQuoted(t *testing.T) {
	req, err := parseRequest(`PUSH c b o ""`)
	require.NoError(t, err)
	assert.True(t, req.hasText)
	assert.Equal(t, "", req.text)
}

func TestModeWhitelists(t *testing.T) {
	assert.True(t, modeSearch.allows("QUERY"))
	assert.False(t, modeSearch.allows("PUSH"))
	assert.True(t, modeIngest.allows("FLUSHB"))
	assert.False(t, modeIngest.allows("SUGGEST"))
	assert.True(t, modeControl.allows("TRIGGER"))
	assert.False(t, modeControl.allows("QUERY"))
}

func TestMakeMarker(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		marker := makeMarker()
		assert.Len(t, marker, markerLength)
		seen[marker] = struct{}{}
	}
	assert.Greater(t, len(seen), 90)
}
