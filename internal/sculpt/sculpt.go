// Package sculpt generates the impostor artifacts: a 64x64 sculpt-map
// image encoding a height field's (x, y, z) positions, a 256x256 ground
// texture fetched from the tile server, and a deterministic content hash
// used for asset deduplication.
package sculpt

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/image/draw"

	"github.com/animats/impostorpipeline/internal/conf"
	"github.com/animats/impostorpipeline/internal/heightfield"
	"github.com/animats/impostorpipeline/internal/pipeline/errs"

	log "github.com/sirupsen/logrus"
)

// SculptSize is the fixed dimension of a sculpt map.
const SculptSize = 64

// TextureSize is the fixed dimension of a ground texture.
const TextureSize = 256

// RgbImage is a dense row-major RGB pixel buffer; it satisfies image.Image
// so it can be handed directly to a PNG encoder port.
type RgbImage struct {
	Width, Height int
	Pix           []byte // len == Width*Height*3
}

func newRgbImage(w, h int) *RgbImage {
	return &RgbImage{Width: w, Height: h, Pix: make([]byte, w*h*3)}
}

func (im *RgbImage) set(x, y int, r, g, b byte) {
	i := (y*im.Width + x) * 3
	im.Pix[i] = r
	im.Pix[i+1] = g
	im.Pix[i+2] = b
}

func (im *RgbImage) ColorModel() color.Model { return color.RGBAModel }
func (im *RgbImage) Bounds() image.Rectangle { return image.Rect(0, 0, im.Width, im.Height) }
func (im *RgbImage) At(x, y int) color.Color {
	i := (y*im.Width + x) * 3
	return color.RGBA{R: im.Pix[i], G: im.Pix[i+1], B: im.Pix[i+2], A: 0xff}
}

// MakeSculpt quantizes h to a 64x64 RGB sculpt map. Fields that are not
// already 64x64 are downsampled by taking, for each output pixel, the max
// of the four source samples nearest its mapped position.
func MakeSculpt(h heightfield.HeightField) (*RgbImage, error) {
	scale, offset, grid, err := h.ToSculptArray()
	if err != nil {
		return nil, err
	}

	if h.Rows != SculptSize || h.Cols != SculptSize {
		grid = downsampleMax(grid, SculptSize, SculptSize)
	}

	rng := scale
	clampedRange := rng
	if clampedRange < 1e-3 {
		clampedRange = 1e-3
	}

	img := newRgbImage(SculptSize, SculptSize)
	cols := SculptSize
	for y := 0; y < SculptSize; y++ {
		for x := 0; x < SculptSize; x++ {
			zByte := grid[x][y]
			z := float64(zByte)/256.0*scale + offset
			r := roundToByte(float64(x) / float64(cols-1) * 255.0)
			g := roundToByte(float64(cols-1-y) / float64(cols-1) * 255.0)
			var b byte
			if rng < 1e-3 {
				b = 0
			} else {
				b = roundToByte((z - offset) / clampedRange * 255.0)
			}
			img.set(x, y, r, g, b)
		}
	}
	return img, nil
}

func roundToByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(math.Round(v))
}

// downsampleMax reduces a src grid to outRows x outCols. Each output cell
// maps to a fractional source position and takes the maximum of the four
// samples at its floor/ceil corners, preserving peaks rather than
// averaging them away.
func downsampleMax(src [][]byte, outRows, outCols int) [][]byte {
	srcRows, srcCols := len(src), len(src[0])
	out := make([][]byte, outRows)
	for r := 0; r < outRows; r++ {
		row := make([]byte, outCols)
		rFract := math.Min(float64(r)/float64(outRows)*float64(srcRows), float64(srcRows-1))
		r0 := int(math.Floor(rFract))
		r1 := int(math.Ceil(rFract))
		for c := 0; c < outCols; c++ {
			cFract := math.Min(float64(c)/float64(outCols)*float64(srcCols), float64(srcCols-1))
			c0 := int(math.Floor(cFract))
			c1 := int(math.Ceil(cFract))
			z := src[r0][c0]
			if v := src[r0][c1]; v > z {
				z = v
			}
			if v := src[r1][c0]; v > z {
				z = v
			}
			if v := src[r1][c1]; v > z {
				z = v
			}
			row[c] = z
		}
		out[r] = row
	}
	return out
}

// TerrainTileFetcher is the HTTP port makeTerrainTexture reads ground-tile
// imagery through.
type TerrainTileFetcher struct {
	Client  *http.Client
	Prefix  string
	Timeout time.Duration
}

// NewTerrainTileFetcher builds a fetcher with a bounded, user-agent-tagged
// client.
func NewTerrainTileFetcher(prefix string, timeout time.Duration) *TerrainTileFetcher {
	return &TerrainTileFetcher{
		Client:  &http.Client{Timeout: timeout},
		Prefix:  prefix,
		Timeout: timeout,
	}
}

// MakeTerrainTexture fetches "<prefix>map-<lod+1>-<xTile>-<yTile>-objects.jpg",
// decodes it, and resizes it to 256x256 RGB. The upstream's tile indices
// are always loc / 256, independent of the descriptor's own size.
func (f *TerrainTileFetcher) MakeTerrainTexture(ctx context.Context, locX, locY int64, lod int) (*RgbImage, error) {
	xTile := locX / TextureSize
	yTile := locY / TextureSize
	url := fmt.Sprintf("%smap-%d-%d-%d-objects.jpg", f.Prefix, lod+1, xTile, yTile)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building ground-tile request: %v", errs.ErrUpstream, err)
	}
	req.Header.Set("User-Agent", conf.AppConfig.Name+"/"+conf.AppConfig.Version)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching ground tile %s: %v", errs.ErrUpstream, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ground tile %s returned status %d", errs.ErrUpstream, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading ground tile %s: %v", errs.ErrUpstream, url, err)
	}
	src, err := jpeg.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding ground tile %s: %v", errs.ErrUpstream, url, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, TextureSize, TextureSize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	out := newRgbImage(TextureSize, TextureSize)
	for y := 0; y < TextureSize; y++ {
		for x := 0; x < TextureSize; x++ {
			c := dst.RGBAAt(x, y)
			out.set(x, y, c.R, c.G, c.B)
		}
	}
	log.Debugf("fetched ground tile %s", url)
	return out, nil
}

// ContentHash computes a deterministic 32-bit hash over an image's raw
// pixel bytes, used as the asset catalog's dedup key.
func ContentHash(img *RgbImage) uint32 {
	return uint32(xxh3.Hash(img.Pix))
}
