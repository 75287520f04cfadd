// Package polyline decodes encoded route geometries into coordinate
// sequences. Two encodings are supported: Google's polyline algorithm and
// HERE's flexible polyline. Decoding is pure and deterministic, so results
// can be cached (see CachedCodec).
package polyline

import (
	"fmt"
	"math"

	"github.com/commuterlab/hazard-engine/internal/domain"
	"github.com/paulmach/orb"
	gpolyline "github.com/twpayne/go-polyline"
)

// Format names a supported polyline encoding.
type Format string

const (
	FormatGoogle Format = "google"
	FormatHERE   Format = "here"
)

// ParseFormat validates a format string. The empty string defaults to google,
// which is what most routing clients send.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatGoogle, "":
		return FormatGoogle, true
	case FormatHERE:
		return FormatHERE, true
	}
	return "", false
}

// Decoder converts an encoded polyline into [lon, lat] points.
type Decoder interface {
	Decode(encoded string, format Format) ([]orb.Point, error)
}

// Codec is the plain (uncached) decoder. All failures are reported as
// domain.DecodeError so callers can degrade instead of aborting.
type Codec struct {
	maxChars int
}

// NewCodec creates a codec that rejects encoded inputs longer than maxChars.
func NewCodec(maxChars int) *Codec {
	return &Codec{maxChars: maxChars}
}

func (c *Codec) Decode(encoded string, format Format) ([]orb.Point, error) {
	if encoded == "" {
		return nil, domain.DecodeError{Format: string(format), Reason: "empty input"}
	}
	if c.maxChars > 0 && len(encoded) > c.maxChars {
		return nil, domain.DecodeError{
			Format: string(format),
			Reason: fmt.Sprintf("encoded length %d exceeds limit %d", len(encoded), c.maxChars),
		}
	}

	var (
		points []orb.Point
		err    error
	)
	switch format {
	case FormatGoogle:
		points, err = decodeGoogle(encoded)
	case FormatHERE:
		points, err = decodeHERE(encoded)
	default:
		return nil, domain.DecodeError{Format: string(format), Reason: "unknown format"}
	}
	if err != nil {
		return nil, domain.DecodeError{Format: string(format), Reason: err.Error()}
	}

	for i, p := range points {
		if p[1] < -90 || p[1] > 90 || p[0] < -180 || p[0] > 180 {
			return nil, domain.DecodeError{
				Format: string(format),
				Reason: fmt.Sprintf("coordinate %d out of range: lon=%f lat=%f", i, p[0], p[1]),
			}
		}
	}
	return points, nil
}

// decodeGoogle decodes Google's polyline algorithm. The upstream library
// yields [lat, lng] pairs; points are flipped to the [lon, lat] convention
// used everywhere else in this service.
func decodeGoogle(encoded string) ([]orb.Point, error) {
	for i := 0; i < len(encoded); i++ {
		if encoded[i] < 63 || encoded[i] > 126 {
			return nil, fmt.Errorf("invalid character %q at offset %d", encoded[i], i)
		}
	}

	coords, remaining, err := gpolyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, err
	}
	if len(remaining) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after final coordinate", len(remaining))
	}

	points := make([]orb.Point, len(coords))
	for i, c := range coords {
		points[i] = orb.Point{c[1], c[0]}
	}
	return points, nil
}

// HERE flexible polyline. The format is a base64-like stream of 5-bit varint
// chunks: a version varint (always 1), a header varint packing the coordinate
// precision (bits 0-3), third-dimension type (bits 4-6) and third-dimension
// precision (bits 7-10), then zigzag-encoded lat/lng deltas, with a third
// value per point when a third dimension is present.
const hereAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var hereValues [128]int8

func init() {
	for i := range hereValues {
		hereValues[i] = -1
	}
	for i := 0; i < len(hereAlphabet); i++ {
		hereValues[hereAlphabet[i]] = int8(i)
	}
}

func decodeHERE(encoded string) ([]orb.Point, error) {
	r := &hereReader{encoded: encoded}

	version, err := r.readUnsigned()
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != 1 {
		return nil, fmt.Errorf("unsupported format version %d", version)
	}

	header, err := r.readUnsigned()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	precision := header & 0x0F
	thirdDim := (header >> 4) & 0x07
	if precision > 15 {
		return nil, fmt.Errorf("precision %d out of range", precision)
	}
	factor := math.Pow10(int(precision))

	var lat, lng int64
	var points []orb.Point
	for !r.done() {
		dLat, err := r.readSigned()
		if err != nil {
			return nil, fmt.Errorf("read latitude delta: %w", err)
		}
		dLng, err := r.readSigned()
		if err != nil {
			return nil, fmt.Errorf("read longitude delta: %w", err)
		}
		lat += dLat
		lng += dLng
		if thirdDim != 0 {
			// Elevation/level values are not used for impact matching.
			if _, err := r.readSigned(); err != nil {
				return nil, fmt.Errorf("read third dimension: %w", err)
			}
		}
		points = append(points, orb.Point{float64(lng) / factor, float64(lat) / factor})
	}
	return points, nil
}

type hereReader struct {
	encoded string
	pos     int
}

func (r *hereReader) done() bool {
	return r.pos >= len(r.encoded)
}

// readUnsigned consumes one little-endian base-32 varint. Each character
// carries 5 payload bits plus a continuation bit (0x20).
func (r *hereReader) readUnsigned() (uint64, error) {
	var result uint64
	var shift uint
	for {
		if r.done() {
			return 0, fmt.Errorf("truncated varint at offset %d", r.pos)
		}
		ch := r.encoded[r.pos]
		if ch >= 128 || hereValues[ch] < 0 {
			return 0, fmt.Errorf("invalid character %q at offset %d", ch, r.pos)
		}
		value := uint64(hereValues[ch])
		r.pos++

		result |= (value & 0x1F) << shift
		if value&0x20 == 0 {
			return result, nil
		}
		shift += 5
		if shift > 60 {
			return 0, fmt.Errorf("varint overflow at offset %d", r.pos)
		}
	}
}

func (r *hereReader) readSigned() (int64, error) {
	u, err := r.readUnsigned()
	if err != nil {
		return 0, err
	}
	v := int64(u)
	if v&1 != 0 {
		v = ^v
	}
	return v >> 1, nil
}
