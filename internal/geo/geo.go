package geo

import (
	"math"

	"github.com/pkg/errors"
)

// earthRadiusMeters is the mean Earth radius used by the haversine formula
const earthRadiusMeters = 6371000.0

// ErrInvalidCoordinate is returned for latitudes outside [-90,90] or
// longitudes outside [-180,180]
var ErrInvalidCoordinate = errors.New("coordinate out of range")

// Distance returns the great-circle distance in meters between two points
// given in decimal degrees, using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := validate(lat1, lon1); err != nil {
		return 0, err
	}
	if err := validate(lat2, lon2); err != nil {
		return 0, err
	}

	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Asin(math.Sqrt(a))

	return earthRadiusMeters * c, nil
}

func validate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return errors.Wrap(ErrInvalidCoordinate, "coordinate is NaN")
	}
	if lat < -90 || lat > 90 {
		return errors.Wrapf(ErrInvalidCoordinate, "latitude %f", lat)
	}
	if lon < -180 || lon > 180 {
		return errors.Wrapf(ErrInvalidCoordinate, "longitude %f", lon)
	}
	return nil
}
