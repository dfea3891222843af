// Package gallery implements the hall-of-fame image service: a rolling
// buffer of at most fifty liked images with per-identity vote dedup.
package gallery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/paperfall-labs/paperfall/backend/internal/blob"
	"github.com/paperfall-labs/paperfall/backend/internal/stats"
)

const bufferCapacity = 50

// Period selects the trending window.
const (
	PeriodAll   = "all"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodYear  = "year"
)

var (
	errMissingStore  = errors.New("gallery: stats store is required")
	errMissingBlobs  = errors.New("gallery: blob store is required")
	errMissingLedger = errors.New("gallery: vote ledger is required")

	// ErrEmptyImage is returned when a like request carries no bytes.
	ErrEmptyImage = errors.New("gallery: empty image payload")
)

// StatsStore is the slice of the statistics store the gallery needs.
type StatsStore interface {
	CountImages(ctx context.Context) (int64, error)
	FindImageByHash(ctx context.Context, hash string) (stats.ImageRow, error)
	FindImageByID(ctx context.Context, id int64) (stats.ImageRow, error)
	OldestImage(ctx context.Context) (stats.ImageRow, error)
	InsertImage(ctx context.Context, row stats.ImageRow) (int64, error)
	BumpImage(ctx context.Context, id int64) (int64, error)
	IncrementImageLikes(ctx context.Context, id int64) (int64, error)
	DeleteImage(ctx context.Context, id int64) error
	ListTrending(ctx context.Context, since time.Time, limit int) ([]stats.ImageRow, error)
}

// VoteLedger is the slice of the vote ledger the gallery needs.
type VoteLedger interface {
	HasVoted(artifactID, identity string) bool
	RegisterVote(artifactID, identity string) (bool, error)
}

// ServiceConfig describes the dependencies required by the gallery service.
type ServiceConfig struct {
	Store  StatsStore
	Blobs  *blob.Store
	Ledger VoteLedger
	Logger *zap.Logger
	Clock  func() time.Time
}

// Service applies the like, vote and trending operations.
type Service struct {
	store  StatsStore
	blobs  *blob.Store
	ledger VoteLedger
	logger *zap.Logger
	clock  func() time.Time
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Blobs == nil {
		return nil, errMissingBlobs
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:  cfg.Store,
		blobs:  cfg.Blobs,
		ledger: cfg.Ledger,
		logger: logger,
		clock:  clock,
	}, nil
}

// LikeRequest carries one liked image.
type LikeRequest struct {
	Content  []byte
	DOI      string
	Country  string
	Identity string
}

// LikeResult reports the stored row and whether the identity had already
// voted for this exact image.
type LikeResult struct {
	ImageID int64 `json:"id"`
	Likes   int64 `json:"likes"`
	Already bool  `json:"already"`
}

// Like stores a liked image. A duplicate of an existing image bumps that
// row instead of creating a new one, unless the identity already voted for
// it, which is reported as a benign no-op. A genuinely new image may evict
// the least recently refreshed row to keep the buffer at capacity.
func (s *Service) Like(ctx context.Context, req LikeRequest) (LikeResult, error) {
	if len(req.Content) == 0 {
		return LikeResult{}, ErrEmptyImage
	}
	hash := hashContent(req.Content)

	existing, err := s.store.FindImageByHash(ctx, hash)
	switch {
	case err == nil:
		return s.likeExisting(ctx, existing, req.Identity)
	case errors.Is(err, stats.ErrNotFound):
		return s.likeNew(ctx, hash, req)
	default:
		return LikeResult{}, err
	}
}

func (s *Service) likeExisting(ctx context.Context, row stats.ImageRow, identity string) (LikeResult, error) {
	if s.ledger.HasVoted(row.ImageHash, identity) {
		return LikeResult{ImageID: row.ID, Likes: row.Likes, Already: true}, nil
	}
	likes, err := s.store.BumpImage(ctx, row.ID)
	if err != nil {
		return LikeResult{}, err
	}
	if _, err := s.ledger.RegisterVote(row.ImageHash, identity); err != nil {
		return LikeResult{}, err
	}
	return LikeResult{ImageID: row.ID, Likes: likes}, nil
}

func (s *Service) likeNew(ctx context.Context, hash string, req LikeRequest) (LikeResult, error) {
	if err := s.evictIfFull(ctx); err != nil {
		return LikeResult{}, err
	}

	path := hash + extensionFor(req.Content)
	if err := s.blobs.Save(path, req.Content); err != nil {
		return LikeResult{}, err
	}

	id, err := s.store.InsertImage(ctx, stats.ImageRow{
		DOI:         req.DOI,
		ImageHash:   hash,
		StoragePath: path,
		Country:     req.Country,
		Likes:       1,
	})
	if err != nil {
		return LikeResult{}, err
	}
	if _, err := s.ledger.RegisterVote(hash, req.Identity); err != nil {
		return LikeResult{}, err
	}
	return LikeResult{ImageID: id, Likes: 1}, nil
}

// evictIfFull drops the least recently refreshed row when the buffer is at
// capacity. A failed blob removal is logged and tolerated; the row delete
// is what keeps the buffer bounded.
func (s *Service) evictIfFull(ctx context.Context) error {
	count, err := s.store.CountImages(ctx)
	if err != nil {
		return err
	}
	if count < bufferCapacity {
		return nil
	}

	oldest, err := s.store.OldestImage(ctx)
	if errors.Is(err, stats.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.blobs.Remove(oldest.StoragePath); err != nil {
		s.logger.Warn("failed to remove evicted blob",
			zap.String("path", oldest.StoragePath),
			zap.Error(err),
		)
	}
	return s.store.DeleteImage(ctx, oldest.ID)
}

// VoteResult reports the like count and whether this identity had voted
// before.
type VoteResult struct {
	Likes   int64 `json:"likes"`
	Already bool  `json:"already"`
}

// Vote records one like from the trending tab. A repeat vote from the
// same identity is a benign no-op.
func (s *Service) Vote(ctx context.Context, imageID int64, identity string) (VoteResult, error) {
	row, err := s.store.FindImageByID(ctx, imageID)
	if err != nil {
		return VoteResult{}, err
	}
	registered, err := s.ledger.RegisterVote(row.ImageHash, identity)
	if err != nil {
		return VoteResult{}, err
	}
	if !registered {
		return VoteResult{Likes: row.Likes, Already: true}, nil
	}
	likes, err := s.store.IncrementImageLikes(ctx, imageID)
	if err != nil {
		return VoteResult{}, err
	}
	return VoteResult{Likes: likes}, nil
}

// TrendingImage is one gallery entry with its public URL attached.
type TrendingImage struct {
	ID      int64  `json:"id"`
	URL     string `json:"url"`
	DOI     string `json:"doi"`
	Country string `json:"country"`
	Likes   int64  `json:"likes"`
}

// Trending lists gallery images by like count for the given period. An
// unknown period falls back to the all-time view.
func (s *Service) Trending(ctx context.Context, period string) ([]TrendingImage, error) {
	rows, err := s.store.ListTrending(ctx, s.periodThreshold(period), bufferCapacity)
	if err != nil {
		return nil, err
	}
	images := make([]TrendingImage, 0, len(rows))
	for _, row := range rows {
		images = append(images, TrendingImage{
			ID:      row.ID,
			URL:     s.blobs.URL(row.StoragePath),
			DOI:     row.DOI,
			Country: row.Country,
			Likes:   row.Likes,
		})
	}
	return images, nil
}

func (s *Service) periodThreshold(period string) time.Time {
	now := s.clock().UTC()
	switch period {
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	case PeriodMonth:
		return now.AddDate(0, -1, 0)
	case PeriodYear:
		return now.AddDate(-1, 0, 0)
	default:
		return time.Time{}
	}
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func extensionFor(content []byte) string {
	switch http.DetectContentType(content) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	default:
		return ".img"
	}
}
