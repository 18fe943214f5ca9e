package embed

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"unicode"
)

const (
	levels       = 4
	histogramDim = levels * levels * levels
	maxSamples   = 256
)

// HistogramEmbedder is a dependency-free embedder. Images become normalised
// colour histograms (4 levels per RGB channel); text queries are mapped onto
// the same bins through a small lexicon of colours and scenes. It is the
// fallback when no model plugin is configured.
type HistogramEmbedder struct{}

func NewHistogramEmbedder() *HistogramEmbedder { return &HistogramEmbedder{} }

func (h *HistogramEmbedder) Dimension() int { return histogramDim }

func (h *HistogramEmbedder) Supports(m Modality) bool {
	return m == ModalityImage || m == ModalityText
}

func (h *HistogramEmbedder) Embed(ctx context.Context, data []byte, m Modality) ([]float32, error) {
	switch m {
	case ModalityImage:
		return h.embedImage(data)
	case ModalityText:
		return h.embedText(string(data))
	default:
		return nil, &Failure{Modality: m, Err: ErrUnsupportedModality}
	}
}

func (h *HistogramEmbedder) embedImage(data []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &Failure{Modality: ModalityImage, Err: fmt.Errorf("decode: %w", err)}
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, &Failure{Modality: ModalityImage, Err: fmt.Errorf("empty image")}
	}
	stepX := max(1, b.Dx()/maxSamples)
	stepY := max(1, b.Dy()/maxSamples)

	vec := make([]float32, histogramDim)
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			vec[bin(uint8(r>>8), uint8(g>>8), uint8(bl>>8))]++
		}
	}
	return Normalize(vec), nil
}

func (h *HistogramEmbedder) embedText(text string) ([]float32, error) {
	vec := make([]float32, histogramDim)
	hits := 0
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		for _, c := range lexicon[w] {
			vec[bin(c[0], c[1], c[2])]++
			hits++
		}
	}
	if hits == 0 {
		return nil, &Failure{Modality: ModalityText, Err: ErrNoVisualTerms}
	}
	return Normalize(vec), nil
}

func bin(r, g, b uint8) int {
	q := func(v uint8) int { return int(v) * levels / 256 }
	return q(r)*levels*levels + q(g)*levels + q(b)
}

type rgb [3]uint8

var (
	sand    = rgb{220, 200, 150}
	sky     = rgb{120, 180, 230}
	sea     = rgb{30, 100, 180}
	rock    = rgb{110, 110, 110}
	snow    = rgb{240, 240, 245}
	pine    = rgb{40, 90, 50}
	grey    = rgb{128, 128, 128}
	asphalt = rgb{50, 50, 60}
	glass   = rgb{150, 170, 190}
	leaf    = rgb{40, 160, 60}
	dusk    = rgb{20, 20, 60}
	dune    = rgb{210, 170, 110}
)

var lexicon = map[string][]rgb{
	"red":       {{200, 30, 30}},
	"green":     {leaf},
	"blue":      {sea},
	"yellow":    {{230, 210, 60}},
	"orange":    {{240, 140, 30}},
	"purple":    {{130, 50, 160}},
	"pink":      {{240, 150, 180}},
	"brown":     {{120, 80, 40}},
	"black":     {{10, 10, 10}},
	"white":     {snow},
	"gray":      {grey},
	"grey":      {grey},
	"beach":     {sand, sky, sea},
	"sand":      {sand},
	"ocean":     {sea, sky},
	"sea":       {sea, sky},
	"sky":       {sky},
	"mountain":  {rock, snow, pine},
	"mountains": {rock, snow, pine},
	"snow":      {snow},
	"forest":    {pine, leaf},
	"tree":      {pine, leaf},
	"trees":     {pine, leaf},
	"grass":     {leaf},
	"park":      {leaf, sky},
	"city":      {grey, asphalt, glass},
	"street":    {grey, asphalt},
	"building":  {grey, glass},
	"buildings": {grey, glass},
	"night":     {dusk, {10, 10, 10}},
	"sunset":    {{240, 140, 30}, {200, 30, 30}, {130, 50, 160}},
	"desert":    {dune, sky},
	"flower":    {{240, 150, 180}, {200, 30, 30}, {230, 210, 60}},
	"flowers":   {{240, 150, 180}, {200, 30, 30}, {230, 210, 60}},
}
