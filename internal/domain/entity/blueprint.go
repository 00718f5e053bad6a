package entity

// Blueprint 项目蓝图核心事实（上下文装配的结构化输入）
type Blueprint struct {
	ProjectID    string   `json:"project_id"`
	Title        string   `json:"title"`
	CoreSummary  string   `json:"core_summary"`
	WorldSetting string   `json:"world_setting,omitempty"`
	Roster       []string `json:"roster"`
}

// SceneHint 大纲中显式给出的场景定位信息；为空则不发 scene 查询。
type SceneHint struct {
	Location  string `json:"location,omitempty"`
	TimeOfDay string `json:"time_of_day,omitempty"`
}

// Empty 判断是否缺少任何场景定位
func (s SceneHint) Empty() bool {
	return s.Location == "" && s.TimeOfDay == ""
}
