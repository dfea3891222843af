package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/paperfall-labs/paperfall/backend/internal/chat"
	"github.com/paperfall-labs/paperfall/backend/internal/gallery"
	"github.com/paperfall-labs/paperfall/backend/internal/papers"
	"github.com/paperfall-labs/paperfall/backend/internal/stats"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFetcher struct {
	result papers.FetchResult
	err    error
}

func (f *fakeFetcher) FetchByDOI(ctx context.Context, doi string) (papers.FetchResult, error) {
	return f.result, f.err
}

type fakePipeline struct {
	images []papers.ExtractedImage
	err    error
}

func (f *fakePipeline) Process(pdf []byte) ([]papers.ExtractedImage, error) {
	return f.images, f.err
}

type fakeGallery struct {
	likeResult   gallery.LikeResult
	likeErr      error
	lastIdentity string

	voteResult gallery.VoteResult
	voteErr    error

	trending   []gallery.TrendingImage
	lastPeriod string
}

func (f *fakeGallery) Like(ctx context.Context, req gallery.LikeRequest) (gallery.LikeResult, error) {
	f.lastIdentity = req.Identity
	return f.likeResult, f.likeErr
}

func (f *fakeGallery) Vote(ctx context.Context, imageID int64, identity string) (gallery.VoteResult, error) {
	f.lastIdentity = identity
	return f.voteResult, f.voteErr
}

func (f *fakeGallery) Trending(ctx context.Context, period string) ([]gallery.TrendingImage, error) {
	f.lastPeriod = period
	return f.trending, nil
}

type fakeHub struct {
	presence chat.Presence
	served   int
}

func (f *fakeHub) ServeConn(conn chat.Conn) {
	f.served++
	conn.Close()
}

func (f *fakeHub) Presence() chat.Presence {
	return f.presence
}

type handlerOptions struct {
	fetcher  *fakeFetcher
	pipeline *fakePipeline
	gallery  *fakeGallery
	hub      *fakeHub
	clock    func() time.Time
}

func newTestHandler(t *testing.T, opts handlerOptions) http.Handler {
	t.Helper()
	if opts.fetcher == nil {
		opts.fetcher = &fakeFetcher{}
	}
	if opts.pipeline == nil {
		opts.pipeline = &fakePipeline{}
	}
	if opts.gallery == nil {
		opts.gallery = &fakeGallery{}
	}
	if opts.hub == nil {
		opts.hub = &fakeHub{}
	}
	handler, err := NewHTTPHandler(Dependencies{
		Fetcher:  opts.fetcher,
		Pipeline: opts.pipeline,
		Gallery:  opts.gallery,
		Hub:      opts.hub,
		Clock:    opts.clock,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func postJSON(t *testing.T, handler http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestProcessReturnsExtractedImages(t *testing.T) {
	handler := newTestHandler(t, handlerOptions{
		fetcher: &fakeFetcher{result: papers.FetchResult{PDF: []byte("%PDF"), Title: "Deep Sea Microbes"}},
		pipeline: &fakePipeline{images: []papers.ExtractedImage{
			{Base64: "data:image/png;base64,aaaa", Ext: "png", Size: 4096},
		}},
	})

	recorder := postJSON(t, handler, "/api/process", gin.H{"doi": "10.1000/182"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["title"] != "Deep Sea Microbes" {
		t.Fatalf("unexpected title: %v", body["title"])
	}
	if body["count"] != float64(1) {
		t.Fatalf("unexpected count: %v", body["count"])
	}
}

func TestProcessRejectsBlankDOI(t *testing.T) {
	handler := newTestHandler(t, handlerOptions{})
	recorder := postJSON(t, handler, "/api/process", gin.H{"doi": "  "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestProcessMissReturnsNotFound(t *testing.T) {
	handler := newTestHandler(t, handlerOptions{
		fetcher: &fakeFetcher{err: papers.ErrNotFound},
	})
	recorder := postJSON(t, handler, "/api/process", gin.H{"doi": "10.1000/182"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestProcessBlockedDownloadCarriesManualLink(t *testing.T) {
	handler := newTestHandler(t, handlerOptions{
		fetcher: &fakeFetcher{result: papers.FetchResult{ManualURL: "https://mirror.example/p.pdf"}},
	})
	recorder := postJSON(t, handler, "/api/process", gin.H{"doi": "10.1000/182"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["manual_url"] != "https://mirror.example/p.pdf" {
		t.Fatalf("expected the manual link in the body, got %v", body)
	}
}

func TestUploadProcessesMultipartPDF(t *testing.T) {
	pipeline := &fakePipeline{images: []papers.ExtractedImage{{Ext: "png", Size: 4096}}}
	handler := newTestHandler(t, handlerOptions{pipeline: pipeline})

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("pdf", "paper.pdf")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	part.Write([]byte("%PDF-1.4"))
	writer.Close()

	request := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["title"] != "paper" {
		t.Fatalf("expected filename-derived title, got %v", body["title"])
	}
}

func TestLikeUsesForwardedAddressAsIdentity(t *testing.T) {
	fakeGal := &fakeGallery{likeResult: gallery.LikeResult{ImageID: 7, Likes: 1}}
	handler := newTestHandler(t, handlerOptions{gallery: fakeGal})

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "shot.png")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	part.Write([]byte("png-bytes"))
	writer.WriteField("doi", "10.1000/182")
	writer.WriteField("country", "KR")
	writer.Close()

	request := httptest.NewRequest(http.MethodPost, "/api/like", &buf)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if fakeGal.lastIdentity != "203.0.113.9" {
		t.Fatalf("expected the first forwarded hop as identity, got %q", fakeGal.lastIdentity)
	}
}

func TestVoteUnknownImageReturnsNotFound(t *testing.T) {
	handler := newTestHandler(t, handlerOptions{
		gallery: &fakeGallery{voteErr: stats.ErrNotFound},
	})
	recorder := postJSON(t, handler, "/api/vote", gin.H{"id": 99})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestVoteRejectsMissingID(t *testing.T) {
	handler := newTestHandler(t, handlerOptions{})
	recorder := postJSON(t, handler, "/api/vote", gin.H{})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestTrendingDefaultsToAllTime(t *testing.T) {
	fakeGal := &fakeGallery{}
	handler := newTestHandler(t, handlerOptions{gallery: fakeGal})

	request := httptest.NewRequest(http.MethodGet, "/api/trending", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if fakeGal.lastPeriod != gallery.PeriodAll {
		t.Fatalf("expected period %q, got %q", gallery.PeriodAll, fakeGal.lastPeriod)
	}
}

func TestHealthReportsOnlineCount(t *testing.T) {
	handler := newTestHandler(t, handlerOptions{
		hub: &fakeHub{presence: chat.Presence{Count: 3}},
	})
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody(t, recorder)
	if body["online"] != float64(3) {
		t.Fatalf("expected online count 3, got %v", body["online"])
	}
}

func TestAPIRateLimitClosesTheWindow(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	handler := newTestHandler(t, handlerOptions{
		fetcher: &fakeFetcher{err: papers.ErrNotFound},
		clock:   func() time.Time { return clock },
	})

	sendFrom := func(ip string) int {
		body, _ := json.Marshal(gin.H{"doi": "10.1000/182"})
		request := httptest.NewRequest(http.MethodPost, "/api/process", bytes.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("X-Forwarded-For", ip)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		return recorder.Code
	}

	for i := 0; i < httpCeiling; i++ {
		if code := sendFrom("203.0.113.9"); code != http.StatusNotFound {
			t.Fatalf("request %d should pass the limiter, got %d", i+1, code)
		}
	}
	if code := sendFrom("203.0.113.9"); code != http.StatusTooManyRequests {
		t.Fatalf("request over the ceiling should be rejected, got %d", code)
	}
	if code := sendFrom("198.51.100.7"); code != http.StatusNotFound {
		t.Fatalf("a different address must not share the window, got %d", code)
	}
}

func TestRateLimitWindowResets(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := newIPLimiter(func() time.Time { return now })

	for i := 0; i < httpCeiling; i++ {
		if !limiter.allow("203.0.113.9") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("203.0.113.9") {
		t.Fatalf("request over the ceiling should be rejected")
	}

	now = now.Add(httpWindow)
	if !limiter.allow("203.0.113.9") {
		t.Fatalf("a fresh window should admit requests again")
	}
}

func TestRateLimitSweepsExpiredEntries(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := newIPLimiter(func() time.Time { return now })

	for i := 0; i < 100; i++ {
		limiter.allow(fmt.Sprintf("203.0.113.%d", i))
	}
	if len(limiter.entries) != 100 {
		t.Fatalf("expected 100 tracked addresses, got %d", len(limiter.entries))
	}

	now = now.Add(httpWindow)
	limiter.allow("198.51.100.7")
	if len(limiter.entries) != 1 {
		t.Fatalf("expected expired windows swept, %d entries remain", len(limiter.entries))
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected an error for missing dependencies")
	}
	if _, err := NewHTTPHandler(Dependencies{Fetcher: &fakeFetcher{}}); !errors.Is(err, errMissingPipeline) {
		t.Fatalf("expected missing pipeline error, got %v", err)
	}
}

func TestWebsocketRouteUpgradesAndHandsOff(t *testing.T) {
	hub := &fakeHub{}
	handler := newTestHandler(t, handlerOptions{hub: hub})

	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected protocol switch, got %d", resp.StatusCode)
	}
}
