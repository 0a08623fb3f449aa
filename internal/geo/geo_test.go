package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDistanceIdenticalPoints(t *testing.T) {
	d, err := Distance(27.7172, 85.3240, 27.7172, 85.3240)
	require.NoError(t, err)
	require.Equal(t, 0.0, d)
}

func TestDistanceSymmetric(t *testing.T) {
	pairs := [][4]float64{
		{27.7172, 85.3240, 27.6710, 85.4298}, // Kathmandu <-> Bhaktapur
		{27.7307, 85.3320, 28.2096, 83.9856}, // Kathmandu <-> Pokhara
		{-33.8688, 151.2093, 51.5074, -0.1278},
	}
	for _, p := range pairs {
		ab, err := Distance(p[0], p[1], p[2], p[3])
		require.NoError(t, err)
		ba, err := Distance(p[2], p[3], p[0], p[1])
		require.NoError(t, err)
		require.InDelta(t, ab, ba, 1e-9)
		require.GreaterOrEqual(t, ab, 0.0)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// Kathmandu city center to Bhaktapur Durbar Square is roughly 11.5 km
	d, err := Distance(27.7172, 85.3240, 27.6710, 85.4298)
	require.NoError(t, err)
	require.InDelta(t, 11500, d, 500)
}

func TestDistanceRejectsOutOfRange(t *testing.T) {
	_, err := Distance(91, 0, 0, 0)
	require.ErrorIs(t, err, ErrInvalidCoordinate)

	_, err = Distance(0, 181, 0, 0)
	require.ErrorIs(t, err, ErrInvalidCoordinate)

	_, err = Distance(0, 0, -95, 10)
	require.ErrorIs(t, err, ErrInvalidCoordinate)
}
