// Package fingerprint computes the content hashes used for cross-ad duplicate
// detection. All functions are pure and deterministic across processes.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Hash prefixes distinguish perceptual image hashes from raw byte digests,
// so the two kinds never compare equal by accident.
const (
	PerceptualPrefix = "p:"
	BytesPrefix      = "b:"
)

const (
	dhashWidth  = 9
	dhashHeight = 8
)

// maxImagePixels bounds the images decoded for a perceptual hash. Larger
// images are hashed by their bytes without decoding.
var maxImagePixels = 40_000_000

var folder = cases.Fold()

// Fingerprint is the pair of content digests attached to an observation
type Fingerprint struct {
	DescriptionHash string `json:"descriptionHash"`
	FirstImageHash  string `json:"firstImageHash"`
}

// Compute hashes a description and the primary image bytes
func Compute(description string, firstImage []byte) Fingerprint {
	return Fingerprint{
		DescriptionHash: HashDescription(description),
		FirstImageHash:  HashImage(firstImage),
	}
}

// NormalizeDescription applies NFKC, case folding and whitespace collapsing
func NormalizeDescription(text string) string {
	folded := folder.String(norm.NFKC.String(text))
	return strings.Join(strings.Fields(folded), " ")
}

// HashDescription returns the hex sha256 of the normalized text, or "" when
// nothing is left after normalization.
func HashDescription(text string) string {
	normalized := NormalizeDescription(text)
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// HashImage returns a 64-bit difference hash of a decodable image, so that
// re-encoded or rescaled copies collide. Undecodable bytes, and images above
// maxImagePixels, fall back to a sha256 of the raw content. Empty input
// yields "".
func HashImage(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 ||
		int64(cfg.Width)*int64(cfg.Height) > int64(maxImagePixels) {
		return hashBytes(data)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return hashBytes(data)
	}
	return PerceptualPrefix + fmt.Sprintf("%016x", DHash(img))
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return BytesPrefix + hex.EncodeToString(sum[:])
}

// DHash computes the difference hash of img on a 9x8 grey grid.
// Bit i is set when cell (x, y) is brighter than cell (x+1, y).
func DHash(img image.Image) uint64 {
	grid := shrink(img)
	var hash uint64
	bit := uint(0)
	for y := 0; y < dhashHeight; y++ {
		for x := 0; x < dhashWidth-1; x++ {
			if grid[y][x] > grid[y][x+1] {
				hash |= 1 << bit
			}
			bit++
		}
	}
	return hash
}

// shrink averages the luminance of img over a 9x8 grid of equal areas
func shrink(img image.Image) [dhashHeight][dhashWidth]float64 {
	var grid [dhashHeight][dhashWidth]float64
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return grid
	}

	var counts [dhashHeight][dhashWidth]float64
	for py := 0; py < h; py++ {
		cy := py * dhashHeight / h
		for px := 0; px < w; px++ {
			cx := px * dhashWidth / w
			grid[cy][cx] += luminance(img, b.Min.X+px, b.Min.Y+py)
			counts[cy][cx]++
		}
	}
	for y := range grid {
		for x := range grid[y] {
			if counts[y][x] > 0 {
				grid[y][x] /= counts[y][x]
			}
		}
	}
	return grid
}

func luminance(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}
