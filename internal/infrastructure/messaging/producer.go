// Package messaging 提供消息队列实现
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"inkverse-context-api/internal/domain/entity"
)

var tracer = otel.Tracer("messaging")

// Producer 消息生产者
type Producer struct {
	client *redis.Client
	maxLen int64
}

// NewProducer 创建消息生产者
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &Producer{
		client: client,
		maxLen: maxLen,
	}
}

// Publish 发布消息到指定流
func (p *Producer) Publish(ctx context.Context, stream Stream, msg *Message) (string, error) {
	ctx, span := tracer.Start(ctx, "producer.Publish",
		trace.WithAttributes(
			attribute.String("stream", string(stream)),
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: string(stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to publish message: %w", err)
	}

	span.SetAttributes(attribute.String("stream.message_id", result))
	return result, nil
}

// PublishChapterAnalyzed 发布章节分析完成事件。
// 消息 ID 由 (project, chapter) 决定：重复投递同一章节落在同一 ID，
// 配合索引器的章节守卫实现幂等。
func (p *Producer) PublishChapterAnalyzed(ctx context.Context, analysis *entity.ChapterAnalysis) (string, error) {
	id := fmt.Sprintf("%s:%d", analysis.ProjectID, analysis.ChapterNumber)
	msg, err := NewMessage(id, MsgTypeChapterAnalyzed, analysis.ProjectID, analysis)
	if err != nil {
		return "", err
	}
	msg.SetMetadata("chapter_number", fmt.Sprintf("%d", analysis.ChapterNumber))

	return p.Publish(ctx, StreamChapterAnalyzed, msg)
}
