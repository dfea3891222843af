// Package server exposes the HTTP surface: the paper pipeline endpoints,
// the gallery endpoints, the websocket chat upgrade and static assets.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paperfall-labs/paperfall/backend/internal/chat"
	"github.com/paperfall-labs/paperfall/backend/internal/gallery"
	"github.com/paperfall-labs/paperfall/backend/internal/papers"
	"github.com/paperfall-labs/paperfall/backend/internal/stats"
)

const (
	maxUploadBytes = 64 << 20
	maxImageBytes  = 10 << 20
)

var (
	errMissingFetcher  = errors.New("paper fetcher dependency required")
	errMissingPipeline = errors.New("image pipeline dependency required")
	errMissingGallery  = errors.New("gallery service dependency required")
	errMissingHub      = errors.New("chat hub dependency required")
)

// PaperFetcher resolves a DOI to PDF bytes or a manual download link.
type PaperFetcher interface {
	FetchByDOI(ctx context.Context, doi string) (papers.FetchResult, error)
}

// ImagePipeline turns PDF bytes into extracted images.
type ImagePipeline interface {
	Process(pdf []byte) ([]papers.ExtractedImage, error)
}

// GalleryService applies like, vote and trending operations.
type GalleryService interface {
	Like(ctx context.Context, req gallery.LikeRequest) (gallery.LikeResult, error)
	Vote(ctx context.Context, imageID int64, identity string) (gallery.VoteResult, error)
	Trending(ctx context.Context, period string) ([]gallery.TrendingImage, error)
}

// ChatHub adopts websocket connections into the chat fan-out.
type ChatHub interface {
	ServeConn(conn chat.Conn)
	Presence() chat.Presence
}

// Dependencies lists everything the HTTP handler needs.
type Dependencies struct {
	Fetcher  PaperFetcher
	Pipeline ImagePipeline
	Gallery  GalleryService
	Hub      ChatHub
	Logger   *zap.Logger

	// BlobDirectory and StaticDirectory are served as static routes when
	// non-empty.
	BlobDirectory   string
	StaticDirectory string

	// Clock overrides the rate limiter clock in tests.
	Clock func() time.Time
}

// NewHTTPHandler validates the dependencies and builds the router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}
	if deps.Gallery == nil {
		return nil, errMissingGallery
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		fetcher:  deps.Fetcher,
		pipeline: deps.Pipeline,
		gallery:  deps.Gallery,
		hub:      deps.Hub,
		logger:   logger,
	}

	api := router.Group("/api")
	api.Use(rateLimitMiddleware(newIPLimiter(deps.Clock)))
	api.POST("/process", handler.handleProcess)
	api.POST("/upload", handler.handleUpload)
	api.POST("/like", handler.handleLike)
	api.POST("/vote", handler.handleVote)
	api.GET("/trending", handler.handleTrending)

	router.GET("/ws", handler.handleWebsocket)
	router.GET("/healthz", handler.handleHealth)

	if deps.BlobDirectory != "" {
		router.Static("/images", deps.BlobDirectory)
	}
	if deps.StaticDirectory != "" {
		router.Static("/static", deps.StaticDirectory)
	}

	return router, nil
}

type httpHandler struct {
	fetcher  PaperFetcher
	pipeline ImagePipeline
	gallery  GalleryService
	hub      ChatHub
	logger   *zap.Logger
}

type processRequestPayload struct {
	DOI string `json:"doi"`
}

type processResponsePayload struct {
	Title  string                  `json:"title"`
	Images []papers.ExtractedImage `json:"images"`
	Count  int                     `json:"count"`
}

func (h *httpHandler) handleProcess(c *gin.Context) {
	var request processRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DOI) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.fetcher.FetchByDOI(c.Request.Context(), request.DOI)
	if errors.Is(err, papers.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "paper_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("paper fetch failed", zap.String("doi", request.DOI), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	if result.ManualURL != "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error":      "download_blocked",
			"manual_url": result.ManualURL,
		})
		return
	}

	images, err := h.pipeline.Process(result.PDF)
	if err != nil {
		h.logger.Error("image extraction failed", zap.String("doi", request.DOI), zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "extract_failed"})
		return
	}

	c.JSON(http.StatusOK, processResponsePayload{
		Title:  result.Title,
		Images: images,
		Count:  len(images),
	})
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	pdf, ok := readFormFile(c, "pdf", maxUploadBytes)
	if !ok {
		return
	}

	images, err := h.pipeline.Process(pdf)
	if err != nil {
		h.logger.Error("image extraction failed for upload", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "extract_failed"})
		return
	}

	c.JSON(http.StatusOK, processResponsePayload{
		Title:  strings.TrimSuffix(formFileName(c, "pdf"), ".pdf"),
		Images: images,
		Count:  len(images),
	})
}

func (h *httpHandler) handleLike(c *gin.Context) {
	content, ok := readFormFile(c, "image", maxImageBytes)
	if !ok {
		return
	}

	result, err := h.gallery.Like(c.Request.Context(), gallery.LikeRequest{
		Content:  content,
		DOI:      c.PostForm("doi"),
		Country:  c.PostForm("country"),
		Identity: clientIP(c),
	})
	if errors.Is(err, gallery.ErrEmptyImage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_image"})
		return
	}
	if err != nil {
		h.logger.Error("like failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "like_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type voteRequestPayload struct {
	ID int64 `json:"id"`
}

func (h *httpHandler) handleVote(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.gallery.Vote(c.Request.Context(), request.ID, clientIP(c))
	if errors.Is(err, stats.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "image_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("vote failed", zap.Int64("id", request.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "vote_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleTrending(c *gin.Context) {
	period := c.DefaultQuery("period", gallery.PeriodAll)
	images, err := h.gallery.Trending(c.Request.Context(), period)
	if err != nil {
		h.logger.Error("trending query failed", zap.String("period", period), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trending_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": images, "period": period})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	presence := h.hub.Presence()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": presence.Count})
}

// readFormFile pulls one multipart file, replying with the right status
// on failure. The second return is false once a response was written.
func readFormFile(c *gin.Context, field string, limit int64) ([]byte, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_" + field})
		return nil, false
	}
	if header.Size > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return nil, false
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_" + field})
		return nil, false
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_" + field})
		return nil, false
	}
	return content, true
}

func formFileName(c *gin.Context, field string) string {
	header, err := c.FormFile(field)
	if err != nil {
		return ""
	}
	return header.Filename
}

// clientIP prefers the first X-Forwarded-For hop so identities survive a
// reverse proxy, falling back to the socket address.
func clientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		first := strings.SplitN(forwarded, ",", 2)[0]
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return c.ClientIP()
}
