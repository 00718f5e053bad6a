package redis

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TailStore 保存各章节末尾原文，供下一章生成时注入。
// 写入方是 indexer-worker（章节定稿后），读取方是流水线的 TailLoader。
// 键布局：tail:{project}:{chapter}，不设 TTL（重建索引时覆盖）。
type TailStore struct {
	client *Client
}

// NewTailStore 创建章节末尾存储
func NewTailStore(client *Client) *TailStore {
	return &TailStore{client: client}
}

func tailKey(projectID string, chapterNumber int) string {
	return fmt.Sprintf("tail:%s:%d", projectID, chapterNumber)
}

// SaveTail 保存章节末尾原文
func (s *TailStore) SaveTail(ctx context.Context, projectID string, chapterNumber int, tail string) error {
	ctx, span := tracer.Start(ctx, "tail.SaveTail",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int("chapter", chapterNumber),
		))
	defer span.End()

	if err := s.client.rdb.Set(ctx, tailKey(projectID, chapterNumber), tail, 0).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save chapter tail: %w", err)
	}
	return nil
}

// LoadTail 读取章节末尾原文，按 rune 截取末尾 maxChars 个字符。
// 实现 pipeline.TailLoader；章节不存在时返回空串而非错误。
func (s *TailStore) LoadTail(ctx context.Context, projectID string, chapterNumber int, maxChars int) (string, error) {
	ctx, span := tracer.Start(ctx, "tail.LoadTail",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int("chapter", chapterNumber),
		))
	defer span.End()

	raw, err := s.client.rdb.Get(ctx, tailKey(projectID, chapterNumber)).Result()
	if err != nil {
		if IsNil(err) {
			return "", nil
		}
		span.RecordError(err)
		return "", fmt.Errorf("failed to load chapter tail: %w", err)
	}

	if maxChars <= 0 {
		return raw, nil
	}
	runes := []rune(raw)
	if len(runes) <= maxChars {
		return raw, nil
	}
	return string(runes[len(runes)-maxChars:]), nil
}
