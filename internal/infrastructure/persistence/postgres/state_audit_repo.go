// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"inkverse-context-api/internal/domain/entity"
)

// defaultAuditRetention 每个角色保留的审计记录上限
const defaultAuditRetention = 50

// StateAuditRepository 角色状态审计仓储实现。
// 检索路径不读这张表，只用于回溯诊断。
type StateAuditRepository struct {
	client    *Client
	retention int
}

// NewStateAuditRepository 创建审计仓储
func NewStateAuditRepository(client *Client, retention int) *StateAuditRepository {
	if retention <= 0 {
		retention = defaultAuditRetention
	}
	return &StateAuditRepository{client: client, retention: retention}
}

// Migrate 创建审计表
func (r *StateAuditRepository) Migrate() error {
	return r.client.db.AutoMigrate(&entity.CharacterStateAudit{})
}

// Append 追加一条审计记录并裁剪该角色超出保留上限的旧记录
func (r *StateAuditRepository) Append(ctx context.Context, audit *entity.CharacterStateAudit) error {
	ctx, span := tracer.Start(ctx, "postgres.StateAuditRepository.Append")
	defer span.End()

	db := r.client.db.WithContext(ctx)
	if err := db.Create(audit).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append state audit: %w", err)
	}

	// 按角色裁剪：保留最近 retention 条
	trim := `
		DELETE FROM character_state_audits
		WHERE project_id = ? AND character_name = ?
		  AND id NOT IN (
			SELECT id FROM character_state_audits
			WHERE project_id = ? AND character_name = ?
			ORDER BY created_at DESC
			LIMIT ?
		  )`
	if err := db.Exec(trim,
		audit.ProjectID, audit.CharacterName,
		audit.ProjectID, audit.CharacterName,
		r.retention,
	).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to trim state audits: %w", err)
	}
	return nil
}

// ListByCharacter 按时间倒序列出角色的审计历史
func (r *StateAuditRepository) ListByCharacter(ctx context.Context, projectID, characterName string, limit int) ([]*entity.CharacterStateAudit, error) {
	ctx, span := tracer.Start(ctx, "postgres.StateAuditRepository.ListByCharacter")
	defer span.End()

	if limit <= 0 || limit > r.retention {
		limit = r.retention
	}

	var audits []*entity.CharacterStateAudit
	err := r.client.db.WithContext(ctx).
		Where("project_id = ? AND character_name = ?", projectID, characterName).
		Order("created_at DESC").
		Limit(limit).
		Find(&audits).Error
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list state audits: %w", err)
	}
	return audits, nil
}
