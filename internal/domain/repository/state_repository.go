// Package repository 定义数据访问层接口
package repository

import (
	"context"
	"errors"

	"inkverse-context-api/internal/domain/entity"
)

// ErrChapterLocked 表示该章节的索引单元已被其他持有者锁定
var ErrChapterLocked = errors.New("chapter index lock already held")

// StateRepository 派生索引存储接口（角色状态 + 伏笔线）。
// 流水线只读；增量索引器是唯一写入方。
type StateRepository interface {
	// GetCharacterState 读取单个角色的最新状态；不存在返回 nil, nil。
	GetCharacterState(ctx context.Context, projectID, characterName string) (*entity.CharacterState, error)
	// GetCharacterStates 批量读取指定角色的最新状态；缺失的角色直接跳过。
	GetCharacterStates(ctx context.Context, projectID string, names []string) ([]*entity.CharacterState, error)
	// UpsertCharacterState 覆盖写入角色最新状态
	UpsertCharacterState(ctx context.Context, state *entity.CharacterState) error

	// GetForeshadowing 读取单条伏笔线；不存在返回 nil, nil。
	GetForeshadowing(ctx context.Context, projectID, threadID string) (*entity.Foreshadowing, error)
	// ListForeshadowing 列出项目全部伏笔线；includeResolved=false 时排除终态。
	ListForeshadowing(ctx context.Context, projectID string, includeResolved bool) ([]*entity.Foreshadowing, error)
	// UpsertForeshadowing 覆盖写入伏笔线
	UpsertForeshadowing(ctx context.Context, f *entity.Foreshadowing) error
}

// StateAuditRepository 角色状态审计历史（有界保留）
type StateAuditRepository interface {
	// Append 追加一条审计记录，并裁剪该角色超出保留上限的旧记录
	Append(ctx context.Context, audit *entity.CharacterStateAudit) error
	// ListByCharacter 按时间倒序列出角色的审计历史
	ListByCharacter(ctx context.Context, projectID, characterName string, limit int) ([]*entity.CharacterStateAudit, error)
}

// ChapterLocker 按章节序列化增量索引的互斥锁
type ChapterLocker interface {
	// AcquireChapterLock 获取 (project, chapter) 互斥锁；返回释放函数。
	// 已被持有时返回 ErrChapterLocked。
	AcquireChapterLock(ctx context.Context, projectID string, chapterNumber int) (func(), error)
}
