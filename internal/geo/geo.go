package geo

import (
	"errors"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Node positions arrive as WGS84 degrees (EPSG:4326). The browser map renders in
// Web Mercator (EPSG:3857), so markers carry both.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// LatLng is a WGS84 position in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NewLatLng validates latitude and longitude and returns the position.
func NewLatLng(lat, lng float64) (LatLng, error) {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return LatLng{}, ErrInvalidCoordinates
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return LatLng{}, ErrInvalidCoordinates
	}
	return LatLng{Lat: lat, Lng: lng}, nil
}

// Mercator projects the position to EPSG:3857 metres.
func (p LatLng) Mercator() (x, y float64) {
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ = f(p.Lng, p.Lat, 0)
	return x, y
}

// Bounds is a south-west / north-east box in degrees.
type Bounds struct {
	SouthWest LatLng `json:"southWest"`
	NorthEast LatLng `json:"northEast"`
}

// BoundsOf returns the smallest box containing all positions.
// ok is false when positions is empty or none of them is finite.
func BoundsOf(positions []LatLng) (b Bounds, ok bool) {
	var env geom.Envelope
	for _, p := range positions {
		next, err := env.ExtendToIncludeXY(geom.XY{X: p.Lng, Y: p.Lat})
		if err != nil {
			// non-finite values cannot extend the box
			continue
		}
		env = next
	}
	lo, hi, ok := env.MinMaxXYs()
	if !ok {
		return Bounds{}, false
	}
	return Bounds{
		SouthWest: LatLng{Lat: lo.Y, Lng: lo.X},
		NorthEast: LatLng{Lat: hi.Y, Lng: hi.X},
	}, true
}
