package entity

// CharacterFactObservation 章节分析产出的单条角色事实
type CharacterFactObservation struct {
	CharacterName string `json:"character_name"`
	Fact          string `json:"fact"`
}

// ForeshadowingMention 章节分析产出的伏笔提及
type ForeshadowingMention struct {
	ThreadID    string                `json:"thread_id"`
	Description string                `json:"description,omitempty"`
	Status      ForeshadowingStatus   `json:"status"`
	Priority    ForeshadowingPriority `json:"priority,omitempty"`
}

// ChapterAnalysis 章节定稿后由外部分析器产出的结构化结果，
// 是增量索引器的唯一输入。
type ChapterAnalysis struct {
	ProjectID             string                     `json:"project_id"`
	ChapterNumber         int                        `json:"chapter_number"`
	ChapterText           string                     `json:"chapter_text,omitempty"`
	ChapterTitle          string                     `json:"chapter_title,omitempty"`
	CharacterFacts        []CharacterFactObservation `json:"character_facts"`
	ForeshadowingMentions []ForeshadowingMention     `json:"foreshadowing_mentions"`
}
