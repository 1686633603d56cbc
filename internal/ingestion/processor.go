// Package ingestion registers image files for a job: ids, names and pixel
// dimensions.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/nsai-detect/backend/internal/inference"
	"github.com/nsai-detect/backend/internal/storage/models"
	"github.com/nsai-detect/backend/pkg/logger"
)

var DefaultAllowedTypes = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff"}

type Processor struct {
	allowed   map[string]bool
	maxImages int
}

func NewProcessor(allowedTypes []string, maxImages int) *Processor {
	if len(allowedTypes) == 0 {
		allowedTypes = DefaultAllowedTypes
	}
	allowed := make(map[string]bool, len(allowedTypes))
	for _, ext := range allowedTypes {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return &Processor{allowed: allowed, maxImages: maxImages}
}

func (p *Processor) Allowed(name string) bool {
	return p.allowed[strings.ToLower(filepath.Ext(name))]
}

// RegisterImages decodes every file to record its oriented size. Any
// unreadable or disallowed file rejects the whole batch.
func (p *Processor) RegisterImages(ctx context.Context, paths []string) ([]models.Image, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images given")
	}
	if p.maxImages > 0 && len(paths) > p.maxImages {
		return nil, fmt.Errorf("too many images: %d > %d", len(paths), p.maxImages)
	}

	images := make([]models.Image, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.Allowed(path) {
			return nil, fmt.Errorf("unsupported image type %q", filepath.Ext(path))
		}

		width, height, err := imageSize(path)
		if err != nil {
			return nil, err
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		images = append(images, models.Image{
			ID:     uuid.New().String(),
			Path:   abs,
			Name:   filepath.Base(path),
			Width:  width,
			Height: height,
		})
	}

	logger.Info("Images registered", zap.Int("count", len(images)))
	return images, nil
}

// SaveUpload copies an uploaded file into dir under a collision-free name
// and returns the stored path.
func (p *Processor) SaveUpload(dir, name string, r io.Reader) (string, error) {
	if !p.Allowed(name) {
		return "", fmt.Errorf("unsupported image type %q", filepath.Ext(name))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}

	base := filepath.Base(name)
	path := filepath.Join(dir, uuid.New().String()[:8]+"_"+base)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return path, nil
}

// imageSize decodes the image the way inference loads it, so EXIF-rotated
// files record their displayed size.
func imageSize(path string) (int, int, error) {
	img, err := inference.LoadImage(path)
	if err != nil {
		return 0, 0, err
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return 0, 0, fmt.Errorf("image %s has no pixels", filepath.Base(path))
	}
	return bounds.Dx(), bounds.Dy(), nil
}
