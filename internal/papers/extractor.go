package papers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
)

const (
	// minImageBytes filters small icons and rule lines out of the result.
	minImageBytes = 3072

	// maxImages caps one document's extraction output.
	maxImages = 50
)

var errMissingExtractor = errors.New("papers: extractor is required")

// RawImage is one embedded image as it came out of the document.
type RawImage struct {
	Data []byte
	Ext  string
}

// ExtractedImage is the client-facing shape: a data URI plus dimensions.
type ExtractedImage struct {
	Base64 string `json:"base64"`
	Ext    string `json:"ext"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int    `json:"size"`
}

// Extractor is the document-processing dependency. The pdfcpu-backed
// implementation is the production one; tests substitute fakes.
type Extractor interface {
	Sanitize(pdf []byte) ([]byte, error)
	ExtractImages(pdf []byte) ([]RawImage, error)
}

// Pipeline owns the extraction business rules: sanitize first, then
// extract, drop images under the byte threshold, and cap the output.
type Pipeline struct {
	extractor Extractor
	logger    *zap.Logger
}

// NewPipeline constructs the pipeline.
func NewPipeline(extractor Extractor, logger *zap.Logger) (*Pipeline, error) {
	if extractor == nil {
		return nil, errMissingExtractor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{extractor: extractor, logger: logger}, nil
}

// Process sanitizes the document and returns its embedded images as data
// URIs, filtered and capped.
func (p *Pipeline) Process(pdf []byte) ([]ExtractedImage, error) {
	safe, err := p.extractor.Sanitize(pdf)
	if err != nil {
		return nil, fmt.Errorf("papers: sanitize: %w", err)
	}

	raws, err := p.extractor.ExtractImages(safe)
	if err != nil {
		return nil, fmt.Errorf("papers: extract: %w", err)
	}

	images := make([]ExtractedImage, 0, len(raws))
	for _, raw := range raws {
		if len(raw.Data) < minImageBytes {
			continue
		}
		width, height := decodeDimensions(raw.Data)
		images = append(images, ExtractedImage{
			Base64: "data:image/" + raw.Ext + ";base64," + base64.StdEncoding.EncodeToString(raw.Data),
			Ext:    raw.Ext,
			Width:  width,
			Height: height,
			Size:   len(raw.Data),
		})
		if len(images) >= maxImages {
			break
		}
	}
	return images, nil
}

func decodeDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// PDFCPUExtractor implements Extractor over the pdfcpu library.
type PDFCPUExtractor struct {
	conf *model.Configuration
}

// NewPDFCPUExtractor builds the production extractor with relaxed
// validation; scraped PDFs are frequently malformed.
func NewPDFCPUExtractor() *PDFCPUExtractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFCPUExtractor{conf: conf}
}

// Sanitize rewrites the document through pdfcpu's optimizer, which strips
// malformed structures and dead objects.
func (e *PDFCPUExtractor) Sanitize(pdf []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := api.Optimize(bytes.NewReader(pdf), &buf, e.conf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractImages pulls the embedded images from every page.
func (e *PDFCPUExtractor) ExtractImages(pdf []byte) ([]RawImage, error) {
	pages, err := api.ExtractImagesRaw(bytes.NewReader(pdf), nil, e.conf)
	if err != nil {
		return nil, err
	}

	var raws []RawImage
	for _, page := range pages {
		for _, img := range page {
			data, err := io.ReadAll(img)
			if err != nil {
				continue
			}
			raws = append(raws, RawImage{Data: data, Ext: img.FileType})
		}
	}
	return raws, nil
}
