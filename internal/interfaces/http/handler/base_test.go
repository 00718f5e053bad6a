package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChapterNumber(t *testing.T) {
	n, err := parseChapterNumber("12")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = parseChapterNumber(" 3 ")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = parseChapterNumber("abc")
	assert.Error(t, err)

	_, err = parseChapterNumber("0")
	assert.Error(t, err)

	_, err = parseChapterNumber("-1")
	assert.Error(t, err)
}

func TestParseBoolQuery(t *testing.T) {
	assert.True(t, parseBoolQuery("true"))
	assert.True(t, parseBoolQuery("1"))
	assert.False(t, parseBoolQuery(""))
	assert.False(t, parseBoolQuery("false"))
	assert.False(t, parseBoolQuery("yes"))
}
