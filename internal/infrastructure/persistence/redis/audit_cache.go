package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"inkverse-context-api/internal/domain/entity"
	"inkverse-context-api/internal/domain/repository"
	"inkverse-context-api/pkg/logger"
)

// auditCacheTTL 审计列表缓存时间；写入路径会主动失效，TTL 仅兜底。
const auditCacheTTL = 5 * time.Minute

// auditCache 装饰器依赖的缓存能力，由 *Cache 满足
type auditCache interface {
	GetOrLoadSafe(ctx context.Context, key string, ttl time.Duration, loader func() (interface{}, error)) ([]byte, error)
	InvalidatePattern(ctx context.Context, pattern string) error
}

// CachedAuditRepository 审计历史的 Read-Through 装饰器：
// 列表查询经 Redis 缓存回源 Postgres（singleflight 防击穿），
// 追加写入透传后按角色使缓存失效。
type CachedAuditRepository struct {
	cache auditCache
	next  repository.StateAuditRepository
}

// NewCachedAuditRepository 创建审计历史缓存装饰器
func NewCachedAuditRepository(cache auditCache, next repository.StateAuditRepository) *CachedAuditRepository {
	return &CachedAuditRepository{
		cache: cache,
		next:  next,
	}
}

func auditCacheKey(projectID, characterName string, limit int) string {
	return fmt.Sprintf("audit:%s:%s:%d", projectID, characterName, limit)
}

func auditCachePattern(projectID, characterName string) string {
	return fmt.Sprintf("audit:%s:%s:*", projectID, characterName)
}

// Append 透写底层仓库，成功后使该角色的缓存列表失效
func (r *CachedAuditRepository) Append(ctx context.Context, audit *entity.CharacterStateAudit) error {
	if err := r.next.Append(ctx, audit); err != nil {
		return err
	}

	if err := r.cache.InvalidatePattern(ctx, auditCachePattern(audit.ProjectID, audit.CharacterName)); err != nil {
		// 失效失败不回滚写入：陈旧列表最多存活一个 TTL
		logger.Warn(ctx, "audit cache invalidation failed",
			"project_id", audit.ProjectID,
			"character_name", audit.CharacterName,
			"error", err.Error(),
		)
	}
	return nil
}

// ListByCharacter 经缓存读取审计历史；未命中时回源并回填
func (r *CachedAuditRepository) ListByCharacter(ctx context.Context, projectID, characterName string, limit int) ([]*entity.CharacterStateAudit, error) {
	key := auditCacheKey(projectID, characterName, limit)
	raw, err := r.cache.GetOrLoadSafe(ctx, key, auditCacheTTL, func() (interface{}, error) {
		audits, err := r.next.ListByCharacter(ctx, projectID, characterName, limit)
		if err != nil {
			return nil, err
		}
		return audits, nil
	})
	if err != nil {
		return nil, err
	}

	var audits []*entity.CharacterStateAudit
	if err := json.Unmarshal(raw, &audits); err != nil {
		return nil, fmt.Errorf("failed to decode cached audit list: %w", err)
	}
	return audits, nil
}
