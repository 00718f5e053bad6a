package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"inkverse-context-api/internal/domain/entity"
	"inkverse-context-api/internal/domain/repository"
	"inkverse-context-api/pkg/logger"
)

// 派生索引键布局：
//   charstate:{project}   hash  角色名   -> CharacterState JSON
//   foreshadow:{project}  hash  线程 ID  -> Foreshadowing JSON
//   idxlock:{project}:{chapter}  string  索引互斥锁
const (
	charStateKeyFmt   = "charstate:%s"
	foreshadowKeyFmt  = "foreshadow:%s"
	chapterLockKeyFmt = "idxlock:%s:%d"

	chapterLockTTL = 2 * time.Minute
)

// StateStore 基于 Redis Hash 的派生索引存储。
// 实现 repository.StateRepository 与 repository.ChapterLocker。
type StateStore struct {
	client *Client
}

// NewStateStore 创建派生索引存储
func NewStateStore(client *Client) *StateStore {
	return &StateStore{client: client}
}

// GetCharacterState 读取单个角色最新状态；不存在返回 nil, nil
func (s *StateStore) GetCharacterState(ctx context.Context, projectID, characterName string) (*entity.CharacterState, error) {
	ctx, span := tracer.Start(ctx, "state.GetCharacterState",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.String("character", characterName),
		))
	defer span.End()

	raw, err := s.client.rdb.HGet(ctx, fmt.Sprintf(charStateKeyFmt, projectID), characterName).Bytes()
	if err != nil {
		if IsNil(err) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read character state: %w", err)
	}

	var state entity.CharacterState
	if err := json.Unmarshal(raw, &state); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode character state: %w", err)
	}
	return &state, nil
}

// GetCharacterStates 批量读取；缺失的角色直接跳过
func (s *StateStore) GetCharacterStates(ctx context.Context, projectID string, names []string) ([]*entity.CharacterState, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "state.GetCharacterStates",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int("count", len(names)),
		))
	defer span.End()

	vals, err := s.client.rdb.HMGet(ctx, fmt.Sprintf(charStateKeyFmt, projectID), names...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read character states: %w", err)
	}

	out := make([]*entity.CharacterState, 0, len(names))
	for i, v := range vals {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var state entity.CharacterState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			// 单条损坏不拖垮整批读取
			logger.Warn(ctx, "corrupt character state entry skipped",
				"project_id", projectID, "character", names[i], "error", err.Error())
			continue
		}
		out = append(out, &state)
	}
	return out, nil
}

// UpsertCharacterState 覆盖写入角色最新状态
func (s *StateStore) UpsertCharacterState(ctx context.Context, state *entity.CharacterState) error {
	ctx, span := tracer.Start(ctx, "state.UpsertCharacterState",
		trace.WithAttributes(
			attribute.String("project_id", state.ProjectID),
			attribute.String("character", state.CharacterName),
		))
	defer span.End()

	raw, err := json.Marshal(state)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to encode character state: %w", err)
	}
	if err := s.client.rdb.HSet(ctx, fmt.Sprintf(charStateKeyFmt, state.ProjectID), state.CharacterName, raw).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write character state: %w", err)
	}
	return nil
}

// GetForeshadowing 读取单条伏笔线；不存在返回 nil, nil
func (s *StateStore) GetForeshadowing(ctx context.Context, projectID, threadID string) (*entity.Foreshadowing, error) {
	ctx, span := tracer.Start(ctx, "state.GetForeshadowing",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.String("thread_id", threadID),
		))
	defer span.End()

	raw, err := s.client.rdb.HGet(ctx, fmt.Sprintf(foreshadowKeyFmt, projectID), threadID).Bytes()
	if err != nil {
		if IsNil(err) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read foreshadowing: %w", err)
	}

	var f entity.Foreshadowing
	if err := json.Unmarshal(raw, &f); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode foreshadowing: %w", err)
	}
	return &f, nil
}

// ListForeshadowing 列出项目全部伏笔线；includeResolved=false 排除终态
func (s *StateStore) ListForeshadowing(ctx context.Context, projectID string, includeResolved bool) ([]*entity.Foreshadowing, error) {
	ctx, span := tracer.Start(ctx, "state.ListForeshadowing",
		trace.WithAttributes(attribute.String("project_id", projectID)))
	defer span.End()

	vals, err := s.client.rdb.HGetAll(ctx, fmt.Sprintf(foreshadowKeyFmt, projectID)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list foreshadowing: %w", err)
	}

	out := make([]*entity.Foreshadowing, 0, len(vals))
	for threadID, raw := range vals {
		var f entity.Foreshadowing
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			logger.Warn(ctx, "corrupt foreshadowing entry skipped",
				"project_id", projectID, "thread_id", threadID, "error", err.Error())
			continue
		}
		if !includeResolved && !f.Retrievable() {
			continue
		}
		out = append(out, &f)
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}

// UpsertForeshadowing 覆盖写入伏笔线
func (s *StateStore) UpsertForeshadowing(ctx context.Context, f *entity.Foreshadowing) error {
	ctx, span := tracer.Start(ctx, "state.UpsertForeshadowing",
		trace.WithAttributes(
			attribute.String("project_id", f.ProjectID),
			attribute.String("thread_id", f.ThreadID),
		))
	defer span.End()

	raw, err := json.Marshal(f)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to encode foreshadowing: %w", err)
	}
	if err := s.client.rdb.HSet(ctx, fmt.Sprintf(foreshadowKeyFmt, f.ProjectID), f.ThreadID, raw).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write foreshadowing: %w", err)
	}
	return nil
}

// AcquireChapterLock 以 SETNX 获取 (project, chapter) 互斥锁。
// TTL 兜底持有者崩溃的情况；正常路径由返回的释放函数删除。
func (s *StateStore) AcquireChapterLock(ctx context.Context, projectID string, chapterNumber int) (func(), error) {
	ctx, span := tracer.Start(ctx, "state.AcquireChapterLock",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int("chapter", chapterNumber),
		))
	defer span.End()

	key := fmt.Sprintf(chapterLockKeyFmt, projectID, chapterNumber)
	ok, err := s.client.rdb.SetNX(ctx, key, time.Now().UnixMilli(), chapterLockTTL).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to acquire chapter lock: %w", err)
	}
	if !ok {
		return nil, repository.ErrChapterLocked
	}

	release := func() {
		// 释放用后台 context：请求取消不应把锁留到 TTL 过期
		rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.client.rdb.Del(rctx, key).Err(); err != nil {
			logger.Warn(rctx, "chapter lock release failed", "key", key, "error", err.Error())
		}
	}
	return release, nil
}
