package model

// ModerationWord 内容审核词表，启动时加载，支持运行时增删
type ModerationWord struct {
	BaseModel
	Word    string `gorm:"size:100;uniqueIndex;not null" json:"word"`
	Kind    string `gorm:"type:enum('blocked','whitelist');default:'blocked'" json:"kind"`
	Enabled bool   `gorm:"default:true" json:"enabled"`
}

func (ModerationWord) TableName() string {
	return "moderation_words"
}
