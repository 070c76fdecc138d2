// Package geo implements the geohash cell index used for check-in discovery.
// Codes are base32 strings where each character carries five interleaved bits,
// longitude first. A longer code names a cell inside every shorter prefix of it.
package geo

import (
	"math"
	"strings"

	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

const (
	// MaxPrecision is the longest code supported (60 bits).
	MaxPrecision = 12
	// DiscoveryPrecision is the sector size used for subscriptions (~5km).
	DiscoveryPrecision = 5
	// PinPrecision is the exact-pin precision published with a check-in.
	PinPrecision = 12
)

const alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

var charIndex [256]int8

func init() {
	for i := range charIndex {
		charIndex[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		charIndex[alphabet[i]] = int8(i)
	}
}

// Area is the rectangle named by a geohash.
type Area struct {
	// Center is the midpoint of the cell (lon, lat order as in orb).
	Center orb.Point
	// Bound is the full cell rectangle.
	Bound orb.Bound
	// LatErr and LngErr are half the cell height and width in degrees.
	LatErr float64
	LngErr float64
}

// Lat returns the latitude of the cell center.
func (a Area) Lat() float64 { return a.Center.Lat() }

// Lng returns the longitude of the cell center.
func (a Area) Lng() float64 { return a.Center.Lon() }

// Contains reports whether the point lies within the cell error bound.
func (a Area) Contains(lat, lng float64) bool {
	return math.Abs(lat-a.Lat()) <= a.LatErr && math.Abs(lng-a.Lng()) <= a.LngErr
}

// Encode returns the geohash of (lat, lng) at the given precision.
func Encode(lat, lng float64, precision int) (string, error) {
	if precision < 1 || precision > MaxPrecision {
		return "", apperrors.Newf(apperrors.CodeInvalidCode, "precision %d out of range 1..%d", precision, MaxPrecision)
	}
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "", apperrors.Newf(apperrors.CodeInvalidCode, "coordinate (%g, %g) out of range", lat, lng)
	}

	latLo, latHi := -90.0, 90.0
	lngLo, lngHi := -180.0, 180.0
	out := make([]byte, 0, precision)
	ch, bit := 0, 0
	even := true
	for len(out) < precision {
		if even {
			mid := (lngLo + lngHi) / 2
			if lng >= mid {
				ch = ch<<1 | 1
				lngLo = mid
			} else {
				ch <<= 1
				lngHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat >= mid {
				ch = ch<<1 | 1
				latLo = mid
			} else {
				ch <<= 1
				latHi = mid
			}
		}
		even = !even
		if bit++; bit == 5 {
			out = append(out, alphabet[ch])
			ch, bit = 0, 0
		}
	}
	return string(out), nil
}

// EncodePoint is Encode for an orb point.
func EncodePoint(p orb.Point, precision int) (string, error) {
	return Encode(p.Lat(), p.Lon(), precision)
}

// Decode returns the cell named by code. Upper-case input is accepted.
func Decode(code string) (Area, error) {
	c, err := parse(code)
	if err != nil {
		return Area{}, err
	}
	return c.area(), nil
}

// Neighbors returns the eight same-precision cells around code in the order
// N, NE, E, SE, S, SW, W, NW. Longitude wraps at the antimeridian. Stepping
// over a pole lands in the same row on the opposite meridian.
func Neighbors(code string) ([]string, error) {
	c, err := parse(code)
	if err != nil {
		return nil, err
	}
	dirs := [8][2]int64{
		{0, 1}, {1, 1}, {1, 0}, {1, -1},
		{0, -1}, {-1, -1}, {-1, 0}, {-1, 1},
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, c.shift(d[0], d[1]).String())
	}
	return out, nil
}

// SearchCells returns code followed by its eight neighbors: the 9-cell block
// used to widen discovery without unbounded fan-out.
func SearchCells(code string) ([]string, error) {
	c, err := parse(code)
	if err != nil {
		return nil, err
	}
	nb, err := Neighbors(code)
	if err != nil {
		return nil, err
	}
	return append([]string{c.String()}, nb...), nil
}

// Truncate returns the first precision characters of code, or code itself
// when it is already shorter.
func Truncate(code string, precision int) string {
	if precision < 0 {
		return ""
	}
	if len(code) <= precision {
		return code
	}
	return code[:precision]
}

// Valid reports whether code is a well-formed geohash.
func Valid(code string) bool {
	_, err := parse(code)
	return err == nil
}

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(a, b orb.Point) float64 {
	return orbgeo.Distance(a, b)
}

// cell is a geohash split into its longitude column and latitude row.
type cell struct {
	x, y             uint64
	lngBits, latBits uint
	precision        int
}

func parse(code string) (cell, error) {
	if code == "" {
		return cell{}, apperrors.New(apperrors.CodeInvalidCode, "empty geohash", nil)
	}
	if len(code) > MaxPrecision {
		return cell{}, apperrors.Newf(apperrors.CodeInvalidCode, "geohash %q longer than %d", code, MaxPrecision)
	}
	code = strings.ToLower(code)
	var c cell
	c.precision = len(code)
	even := true
	for i := 0; i < len(code); i++ {
		v := charIndex[code[i]]
		if v < 0 {
			return cell{}, apperrors.Newf(apperrors.CodeInvalidCode, "invalid geohash character %q in %q", code[i], code)
		}
		for b := 4; b >= 0; b-- {
			bit := uint64(v>>uint(b)) & 1
			if even {
				c.x = c.x<<1 | bit
				c.lngBits++
			} else {
				c.y = c.y<<1 | bit
				c.latBits++
			}
			even = !even
		}
	}
	return c, nil
}

func (c cell) String() string {
	out := make([]byte, c.precision)
	xi, yi := c.lngBits, c.latBits
	even := true
	for i := range out {
		v := 0
		for b := 0; b < 5; b++ {
			var bit uint64
			if even {
				xi--
				bit = (c.x >> xi) & 1
			} else {
				yi--
				bit = (c.y >> yi) & 1
			}
			v = v<<1 | int(bit)
			even = !even
		}
		out[i] = alphabet[v]
	}
	return string(out)
}

func (c cell) area() Area {
	cols := float64(uint64(1) << c.lngBits)
	rows := float64(uint64(1) << c.latBits)
	w := 360 / cols
	h := 180 / rows
	minLng := -180 + float64(c.x)*w
	minLat := -90 + float64(c.y)*h
	b := orb.Bound{
		Min: orb.Point{minLng, minLat},
		Max: orb.Point{minLng + w, minLat + h},
	}
	return Area{
		Center: b.Center(),
		Bound:  b,
		LatErr: h / 2,
		LngErr: w / 2,
	}
}

// shift moves the cell dx columns east and dy rows north.
func (c cell) shift(dx, dy int64) cell {
	cols := int64(1) << c.lngBits
	rows := int64(1) << c.latBits
	x := int64(c.x) + dx
	y := int64(c.y) + dy
	if y >= rows {
		y = rows - 1
		x += cols / 2
	} else if y < 0 {
		y = 0
		x += cols / 2
	}
	x %= cols
	if x < 0 {
		x += cols
	}
	c.x, c.y = uint64(x), uint64(y)
	return c
}
