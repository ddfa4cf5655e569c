package validation

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dharsanguruparan/vaultgate/internal/file"
)

const (
	CodeDimensionReadFailed = "DIMENSION_READ_FAILED"
	CodeWidthTooSmall       = "WIDTH_TOO_SMALL"
	CodeWidthTooLarge       = "WIDTH_TOO_LARGE"
	CodeHeightTooSmall      = "HEIGHT_TOO_SMALL"
	CodeHeightTooLarge      = "HEIGHT_TOO_LARGE"
	CodeAspectRatioTooSmall = "ASPECT_RATIO_TOO_SMALL"
	CodeAspectRatioTooLarge = "ASPECT_RATIO_TOO_LARGE"
)

var rasterMimes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
	"image/bmp":  {},
	"image/tiff": {},
}

// DimensionConfig bounds image geometry. Zero values are disabled.
type DimensionConfig struct {
	MinWidth       int
	MaxWidth       int
	MinHeight      int
	MaxHeight      int
	MinAspectRatio float64
	MaxAspectRatio float64
}

// ImageDimension checks raster image geometry. Non-image files pass with
// skipped metadata.
type ImageDimension struct {
	cfg DimensionConfig
}

// NewImageDimension builds the validator.
func NewImageDimension(cfg DimensionConfig) *ImageDimension { return &ImageDimension{cfg: cfg} }

// Name implements Validator.
func (v *ImageDimension) Name() string { return "image_dimension" }

// Validate implements Validator. Only the image header is decoded.
func (v *ImageDimension) Validate(f *file.Handle) *Outcome {
	if _, ok := rasterMimes[f.Mime()]; !ok {
		return Success(map[string]any{"skipped": true, "reason": "not an image file"})
	}

	width, height, err := readDimensions(f)
	if err != nil {
		return Failure("Failed to read image dimensions", CodeDimensionReadFailed, map[string]any{"error": err.Error()})
	}
	var ratio float64
	if height > 0 {
		ratio = float64(width) / float64(height)
	}

	c := v.cfg
	out := Success(map[string]any{
		"width":        width,
		"height":       height,
		"aspect_ratio": math.Round(ratio*10000) / 10000,
	})
	if c.MinWidth > 0 && width < c.MinWidth {
		out.AddError(fmt.Sprintf("Image width (%dpx) is below minimum (%dpx)", width, c.MinWidth),
			CodeWidthTooSmall, map[string]any{"width": width, "min_width": c.MinWidth})
	}
	if c.MaxWidth > 0 && width > c.MaxWidth {
		out.AddError(fmt.Sprintf("Image width (%dpx) exceeds maximum (%dpx)", width, c.MaxWidth),
			CodeWidthTooLarge, map[string]any{"width": width, "max_width": c.MaxWidth})
	}
	if c.MinHeight > 0 && height < c.MinHeight {
		out.AddError(fmt.Sprintf("Image height (%dpx) is below minimum (%dpx)", height, c.MinHeight),
			CodeHeightTooSmall, map[string]any{"height": height, "min_height": c.MinHeight})
	}
	if c.MaxHeight > 0 && height > c.MaxHeight {
		out.AddError(fmt.Sprintf("Image height (%dpx) exceeds maximum (%dpx)", height, c.MaxHeight),
			CodeHeightTooLarge, map[string]any{"height": height, "max_height": c.MaxHeight})
	}
	if c.MinAspectRatio > 0 && ratio < c.MinAspectRatio {
		out.AddError(fmt.Sprintf("Image aspect ratio (%.4f) is below minimum (%.4f)", ratio, c.MinAspectRatio),
			CodeAspectRatioTooSmall, map[string]any{"aspect_ratio": ratio, "min_aspect_ratio": c.MinAspectRatio})
	}
	if c.MaxAspectRatio > 0 && ratio > c.MaxAspectRatio {
		out.AddError(fmt.Sprintf("Image aspect ratio (%.4f) exceeds maximum (%.4f)", ratio, c.MaxAspectRatio),
			CodeAspectRatioTooLarge, map[string]any{"aspect_ratio": ratio, "max_aspect_ratio": c.MaxAspectRatio})
	}
	return out
}

func readDimensions(f *file.Handle) (int, int, error) {
	r, err := f.Open()
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()

	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
