// Package entity 定义领域实体
package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FactList 用于 GORM JSON 序列化的事实列表
type FactList []string

// Value 实现 driver.Valuer 接口
func (f FactList) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// Scan 实现 sql.Scanner 接口
func (f *FactList) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unsupported fact list source type %T", value)
	}
	return json.Unmarshal(b, f)
}

// CharacterState 角色最新已知状态（派生索引条目）
// 每个角色只保留一条“最新”记录；历史版本以审计形式另存。
type CharacterState struct {
	ProjectID          string    `json:"project_id"`
	CharacterName      string    `json:"character_name"`
	AsOfChapter        int       `json:"as_of_chapter"`
	Facts              []string  `json:"facts"`
	LastUpdatedChapter int       `json:"last_updated_chapter"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// NewCharacterState 创建角色状态条目
func NewCharacterState(projectID, name string, chapter int) *CharacterState {
	return &CharacterState{
		ProjectID:     projectID,
		CharacterName: name,
		AsOfChapter:   chapter,
		UpdatedAt:     time.Now(),
	}
}

// CharacterStateAudit 角色状态变更审计记录（Postgres 持久化）
// 仅用于回溯诊断，检索路径只读 CharacterState 最新条目。
type CharacterStateAudit struct {
	ID            string    `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ProjectID     string    `json:"project_id" gorm:"type:varchar(64);index:idx_state_audit_project_char;not null"`
	CharacterName string    `json:"character_name" gorm:"type:varchar(255);index:idx_state_audit_project_char;not null"`
	AsOfChapter   int       `json:"as_of_chapter" gorm:"not null"`
	Facts         FactList  `json:"facts" gorm:"type:jsonb"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (CharacterStateAudit) TableName() string {
	return "character_state_audits"
}
