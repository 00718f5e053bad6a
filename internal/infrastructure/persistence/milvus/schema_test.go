package milvus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTags(t *testing.T) {
	assert.Equal(t, "", encodeTags(nil))
	assert.Equal(t, "", encodeTags([]string{" ", ""}))

	encoded := encodeTags([]string{"沈砚", "苏棠"})
	assert.Equal(t, "|沈砚|苏棠|", encoded)
	assert.Equal(t, []string{"沈砚", "苏棠"}, decodeTags(encoded))

	assert.Nil(t, decodeTags(""))
	assert.Nil(t, decodeTags("|"))
}

func TestTagFilter(t *testing.T) {
	assert.Equal(t, "", tagFilter("characters", nil))
	assert.Equal(t, "", tagFilter("characters", []string{"  "}))

	assert.Equal(t, `(characters like "%|沈砚|%")`, tagFilter("characters", []string{"沈砚"}))
	assert.Equal(t,
		`(thread_ids like "%|t-1|%" || thread_ids like "%|t-2|%")`,
		tagFilter("thread_ids", []string{"t-1", "t-2"}))
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "proj_abc", PartitionName("abc"))
}

func TestNormalizeCosine(t *testing.T) {
	assert.InDelta(t, 1.0, normalizeCosine(1), 1e-9)
	assert.InDelta(t, 0.5, normalizeCosine(0), 1e-9)
	assert.InDelta(t, 0.0, normalizeCosine(-1), 1e-9)
	// 浮点误差越界时收敛到 [0,1]
	assert.Equal(t, 1.0, normalizeCosine(1.0001))
	assert.Equal(t, 0.0, normalizeCosine(-1.0001))
}

func TestChapterChunksSchemaFields(t *testing.T) {
	schema := ChapterChunksSchema()
	require.Equal(t, CollectionChapterChunks, schema.CollectionName)

	fields := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		fields[f.Name] = true
	}
	for _, name := range []string{"chunk_id", "vector", "project_id", "chapter_number", "characters", "thread_ids", "text"} {
		assert.True(t, fields[name], "missing field %s", name)
	}
}
