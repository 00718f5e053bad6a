package pipeline

import "errors"

var (
	// ErrVectorDisabled 表示向量检索能力未配置（向量库或 Embedder 不可用）。
	ErrVectorDisabled = errors.New("vector retrieval is disabled")

	// ErrBudgetInfeasible 表示 required 层独自超出 token 预算。
	// 这是配置错误：必需事实不允许被静默截断。
	ErrBudgetInfeasible = errors.New("required layer alone exceeds token budget")
)
