package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

// NewCatalog builds the registry with the full preprocessing catalog.
func NewCatalog() (*Registry, error) {
	r := NewRegistry()

	specs := []Spec{
		{
			ID: "resize",
			Schema: Schema{
				{Name: "width", Kind: ParamInt, Required: true, Min: 1, Max: 10000, HasRange: true},
				{Name: "height", Kind: ParamInt, Required: true, Min: 1, Max: 10000, HasRange: true},
			},
			Run: resize,
		},
		{
			ID:  "crop",
			Run: crop,
		},
		{
			ID:  "grayscale",
			Run: grayscale,
		},
		{
			ID: "noise_reduction",
			Schema: Schema{
				{Name: "radius", Kind: ParamFloat, Required: true, Min: 0.1, Max: 100, HasRange: true},
			},
			Run: noiseReduction,
		},
		{
			ID: "normalization",
			Schema: Schema{
				{Name: "technique", Kind: ParamEnum, Required: true, Values: []string{"rescaling", "histogram_equalization"}},
			},
			Run: normalization,
		},
		{
			ID: "binarization",
			Schema: Schema{
				{Name: "threshold", Kind: ParamInt, Required: true, Min: 0, Max: 255, HasRange: true},
				{Name: "technique", Kind: ParamEnum, Values: []string{"binary", "binary_inv"}},
			},
			Run: binarization,
		},
		{
			ID: "contrast",
			Schema: Schema{
				{Name: "percentage", Kind: ParamFloat, Required: true, Min: -100, Max: 100, HasRange: true},
			},
			Run: contrast,
		},
		{
			ID: "watermark",
			Schema: Schema{
				{Name: "text", Kind: ParamString},
			},
			Run: watermark,
		},
	}

	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
	}

	return r, nil
}

func decode(src []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	return buf.Bytes(), nil
}

// resize scales the image to the requested width and height.
func resize(src []byte, params map[string]string) ([]byte, error) {
	width, _ := strconv.Atoi(params["width"])
	height, _ := strconv.Atoi(params["height"])

	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	return encodePNG(imaging.Resize(img, width, height, imaging.Lanczos))
}

// crop cuts the largest centered square out of the image.
func crop(src []byte, _ map[string]string) ([]byte, error) {
	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	size := min(b.Dx(), b.Dy())

	return encodePNG(imaging.CropCenter(img, size, size))
}

func grayscale(src []byte, _ map[string]string) ([]byte, error) {
	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	return encodePNG(imaging.Grayscale(img))
}

// noiseReduction applies a gaussian blur with the given radius.
func noiseReduction(src []byte, params map[string]string) ([]byte, error) {
	radius, _ := strconv.ParseFloat(params["radius"], 64)

	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	return encodePNG(imaging.Blur(img, radius))
}

// normalization rescales pixel intensities to the full range or equalizes
// the per-channel histogram, depending on the requested technique.
func normalization(src []byte, params map[string]string) ([]byte, error) {
	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	nrgba := imaging.Clone(img)

	switch params["technique"] {
	case "rescaling":
		rescaleChannels(nrgba)
	case "histogram_equalization":
		equalizeChannels(nrgba)
	}

	return encodePNG(nrgba)
}

// rescaleChannels stretches each channel linearly so the darkest pixel maps
// to 0 and the brightest to 255.
func rescaleChannels(img *image.NRGBA) {
	for ch := 0; ch < 3; ch++ {
		lo, hi := uint8(255), uint8(0)
		for i := ch; i < len(img.Pix); i += 4 {
			v := img.Pix[i]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi <= lo {
			continue
		}

		scale := 255.0 / float64(hi-lo)
		for i := ch; i < len(img.Pix); i += 4 {
			img.Pix[i] = uint8(float64(img.Pix[i]-lo)*scale + 0.5)
		}
	}
}

// equalizeChannels applies per-channel histogram equalization.
func equalizeChannels(img *image.NRGBA) {
	total := len(img.Pix) / 4
	if total == 0 {
		return
	}

	for ch := 0; ch < 3; ch++ {
		var hist [256]int
		for i := ch; i < len(img.Pix); i += 4 {
			hist[img.Pix[i]]++
		}

		var lut [256]uint8
		cum := 0
		for v := 0; v < 256; v++ {
			cum += hist[v]
			lut[v] = uint8(float64(cum) / float64(total) * 255.0)
		}

		for i := ch; i < len(img.Pix); i += 4 {
			img.Pix[i] = lut[img.Pix[i]]
		}
	}
}

// binarization converts the image to grayscale and thresholds every pixel
// to pure black or white.
func binarization(src []byte, params map[string]string) ([]byte, error) {
	threshold, _ := strconv.Atoi(params["threshold"])
	inverted := params["technique"] == "binary_inv"

	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	gray := imaging.Grayscale(img)
	for i := 0; i < len(gray.Pix); i += 4 {
		v := uint8(0)
		if int(gray.Pix[i]) > threshold {
			v = 255
		}
		if inverted {
			v = 255 - v
		}
		gray.Pix[i], gray.Pix[i+1], gray.Pix[i+2] = v, v, v
	}

	return encodePNG(gray)
}

// contrast adjusts contrast by the given percentage (-100..100).
func contrast(src []byte, params map[string]string) ([]byte, error) {
	percentage, _ := strconv.ParseFloat(params["percentage"], 64)

	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	return encodePNG(imaging.AdjustContrast(img, percentage))
}

// watermark draws the given text in the bottom-right corner.
func watermark(src []byte, params map[string]string) ([]byte, error) {
	text := params["text"]
	if text == "" {
		text = "Watermark"
	}

	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	dc := gg.NewContextForImage(img)
	dc.SetColor(color.White)

	margin := 10.0
	x := float64(dc.Width()) - margin
	y := float64(dc.Height()) - margin
	dc.DrawStringAnchored(text, x, y, 1, 1) // bottom-right corner

	return encodePNG(dc.Image())
}
