package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKnownValues(t *testing.T) {
	// Same point.
	assert.Zero(t, Distance(12.9716, 77.5946, 12.9716, 77.5946))

	// One degree of latitude is about 111.2km.
	d := Distance(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 200)

	// Two points roughly 157m apart (0.001 deg lat, 0.001 deg lon at equator).
	d = Distance(0, 0, 0.001, 0.001)
	assert.InDelta(t, 157, d, 2)
}

func TestWithinRadius(t *testing.T) {
	pointLat, pointLon := 12.9716, 77.5946

	assert.True(t, WithinRadius(pointLat, pointLon, pointLat, pointLon, 1))

	// About 111m north.
	nearLat := pointLat + 0.001
	assert.True(t, WithinRadius(pointLat, pointLon, nearLat, pointLon, 150))
	assert.False(t, WithinRadius(pointLat, pointLon, nearLat, pointLon, 50))
}

func TestWithinRadiusBoundaryInclusive(t *testing.T) {
	d := Distance(0, 0, 0.001, 0)
	assert.True(t, WithinRadius(0, 0, 0.001, 0, d))
	assert.False(t, WithinRadius(0, 0, 0.001, 0, d-0.5))
}
