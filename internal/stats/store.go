// Package stats is the synchronous adapter for the relational store backing
// the chat history, the per-country leaderboard, and the image gallery.
// Callers treat it as a remote service: every operation takes a context and
// returns an explicit error.
package stats

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("stats: row not found")

var errMissingDatabase = errors.New("stats: database handle is required")

// StoreConfig describes the dependencies required by the store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store exposes read, insert, conditional update, and delete-oldest
// operations over the chats, leaderboard, and images tables.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs the store adapter.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// ListRecentChats returns up to limit chat rows, newest first. Callers that
// render history oldest-first reverse the slice themselves.
func (s *Store) ListRecentChats(ctx context.Context, limit int) ([]ChatRow, error) {
	var rows []ChatRow
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// InsertChat appends a chat row.
func (s *Store) InsertChat(ctx context.Context, country, msg string) error {
	row := ChatRow{Country: country, Msg: msg, CreatedAt: s.clock().UTC()}
	return s.db.WithContext(ctx).Create(&row).Error
}

// CountChats returns the total number of chat rows.
func (s *Store) CountChats(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ChatRow{}).Count(&count).Error
	return count, err
}

// NthNewestChatID returns the id of the n-th newest chat row (zero-based).
// Used by the janitor to locate the compaction pivot.
func (s *Store) NthNewestChatID(ctx context.Context, n int) (int64, error) {
	var row ChatRow
	err := s.db.WithContext(ctx).
		Select("id").
		Order("id DESC").
		Offset(n).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	return row.ID, err
}

// DeleteChatsBefore removes every chat row with an id lower than pivot.
func (s *Store) DeleteChatsBefore(ctx context.Context, pivot int64) (int64, error) {
	result := s.db.WithContext(ctx).Where("id < ?", pivot).Delete(&ChatRow{})
	return result.RowsAffected, result.Error
}

// ListLeaderboard returns up to limit leaderboard rows ordered by score
// descending, country ascending for equal scores.
func (s *Store) ListLeaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	var rows []LeaderboardRow
	err := s.db.WithContext(ctx).
		Order("score DESC, country ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// UpsertLeaderboardStat adds the deltas to the country's row, creating the
// row when the country has not been seen before.
func (s *Store) UpsertLeaderboardStat(ctx context.Context, country string, scoreDelta, chatDelta int64) error {
	row := LeaderboardRow{Country: country, Score: scoreDelta, ChatCount: chatDelta}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "country"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"score":      gorm.Expr("score + ?", scoreDelta),
			"chat_count": gorm.Expr("chat_count + ?", chatDelta),
		}),
	}).Create(&row).Error
}

// CountImages returns the total number of image rows.
func (s *Store) CountImages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ImageRow{}).Count(&count).Error
	return count, err
}

// FindImageByHash looks up an image row by its content hash.
func (s *Store) FindImageByHash(ctx context.Context, hash string) (ImageRow, error) {
	var row ImageRow
	err := s.db.WithContext(ctx).Where("image_hash = ?", hash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ImageRow{}, ErrNotFound
	}
	return row, err
}

// FindImageByID looks up an image row by primary key.
func (s *Store) FindImageByID(ctx context.Context, id int64) (ImageRow, error) {
	var row ImageRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ImageRow{}, ErrNotFound
	}
	return row, err
}

// OldestImage returns the image row with the oldest refresh timestamp.
func (s *Store) OldestImage(ctx context.Context) (ImageRow, error) {
	var row ImageRow
	err := s.db.WithContext(ctx).Order("refreshed_at ASC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ImageRow{}, ErrNotFound
	}
	return row, err
}

// InsertImage creates a new image row and returns its id. RefreshedAt is
// stamped with the store clock.
func (s *Store) InsertImage(ctx context.Context, row ImageRow) (int64, error) {
	row.RefreshedAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

// BumpImage increments the like counter and resets the refresh timestamp,
// which restarts the row's effective age in the rolling buffer.
func (s *Store) BumpImage(ctx context.Context, id int64) (int64, error) {
	err := s.db.WithContext(ctx).Model(&ImageRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"likes":        gorm.Expr("likes + 1"),
			"refreshed_at": s.clock().UTC(),
		}).Error
	if err != nil {
		return 0, err
	}
	row, err := s.FindImageByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return row.Likes, nil
}

// IncrementImageLikes bumps the like counter without refreshing the
// timestamp. Used by the trending-tab vote path.
func (s *Store) IncrementImageLikes(ctx context.Context, id int64) (int64, error) {
	result := s.db.WithContext(ctx).Model(&ImageRow{}).
		Where("id = ?", id).
		Update("likes", gorm.Expr("likes + 1"))
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	row, err := s.FindImageByID(ctx, id)
	if err != nil {
		return 0, err
	}
	return row.Likes, nil
}

// DeleteImage removes an image row by primary key.
func (s *Store) DeleteImage(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&ImageRow{}).Error
}

// ListTrending returns up to limit images ordered by likes descending,
// restricted to rows refreshed at or after the since threshold. A zero
// since value disables the time filter.
func (s *Store) ListTrending(ctx context.Context, since time.Time, limit int) ([]ImageRow, error) {
	query := s.db.WithContext(ctx).Order("likes DESC").Limit(limit)
	if !since.IsZero() {
		query = query.Where("refreshed_at >= ?", since)
	}
	var rows []ImageRow
	err := query.Find(&rows).Error
	return rows, err
}
