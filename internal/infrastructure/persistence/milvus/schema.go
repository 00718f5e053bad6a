// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	// CollectionChapterChunks 章节正文分片集合
	CollectionChapterChunks = "chapter_chunks"

	// VectorDimension 向量维度
	VectorDimension = 1024

	// tagSeparator 多值元数据在 varchar 字段内的分隔符。
	// 存储形如 "|林远|沈清| "，配合 like "%|name|%" 做标量过滤。
	tagSeparator = "|"
)

// ChapterChunksSchema 章节分片 Collection Schema。
// chapter_number 为标量过滤字段：检索时用 <= 上界排除未来章节。
func ChapterChunksSchema() *entity.Schema {
	return &entity.Schema{
		CollectionName: CollectionChapterChunks,
		Description:    "Prior narrative chunks for temporal-aware retrieval",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": "1024",
				},
			},
			{
				Name:     "project_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "chapter_number",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "characters",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "2048",
				},
			},
			{
				Name:     "thread_ids",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "2048",
				},
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
		},
	}
}

// ChapterChunk 章节分片数据结构
type ChapterChunk struct {
	ChunkID       string    `json:"chunk_id"`
	Vector        []float32 `json:"vector"`
	ProjectID     string    `json:"project_id"`
	ChapterNumber int64     `json:"chapter_number"`
	Characters    []string  `json:"characters"`
	ThreadIDs     []string  `json:"thread_ids"`
	Text          string    `json:"text"`
}

// PartitionName 生成项目分区名称
func PartitionName(projectID string) string {
	return "proj_" + projectID
}

// encodeTags 将多值元数据编码为带分隔符的 varchar
func encodeTags(values []string) string {
	if len(values) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(tagSeparator)
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		b.WriteString(v)
		b.WriteString(tagSeparator)
	}
	if b.Len() == len(tagSeparator) {
		return ""
	}
	return b.String()
}

// decodeTags 解析 encodeTags 编码的 varchar
func decodeTags(s string) []string {
	s = strings.Trim(s, tagSeparator)
	if s == "" {
		return nil
	}
	return strings.Split(s, tagSeparator)
}
