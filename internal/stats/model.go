package stats

import "time"

// ChatRow is a persisted chat message. Rows are append-only; the janitor
// compacts the table when it grows past the high watermark.
type ChatRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Country   string    `gorm:"column:country;size:16;not null;default:Unknown"`
	Msg       string    `gorm:"column:msg;size:512;not null"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

// TableName maps ChatRow to the chats table.
func (ChatRow) TableName() string {
	return "chats"
}

// LeaderboardRow holds per-country activity credits. One row per country.
type LeaderboardRow struct {
	Country   string `gorm:"column:country;primaryKey;size:16"`
	Score     int64  `gorm:"column:score;not null;default:0"`
	ChatCount int64  `gorm:"column:chat_count;not null;default:0"`
}

// TableName maps LeaderboardRow to the leaderboard table.
func (LeaderboardRow) TableName() string {
	return "leaderboard"
}

// ImageRow is a gallery artifact. RefreshedAt is reset whenever the image is
// liked again, which keeps popular images alive in the rolling buffer.
type ImageRow struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	DOI         string    `gorm:"column:doi;size:256"`
	ImageHash   string    `gorm:"column:image_hash;uniqueIndex;size:64;not null"`
	StoragePath string    `gorm:"column:storage_path;size:256;not null"`
	Country     string    `gorm:"column:country;size:16"`
	Likes       int64     `gorm:"column:likes;not null;default:0"`
	RefreshedAt time.Time `gorm:"column:refreshed_at;index"`
}

// TableName maps ImageRow to the images table.
func (ImageRow) TableName() string {
	return "images"
}
