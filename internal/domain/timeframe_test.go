package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeDuration(t *testing.T) {
	d, err := TimeframeDuration("4h")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, d)

	d, err = TimeframeDuration("")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	_, err = TimeframeDuration("15m")
	assert.Error(t, err)
}

func TestAlignDown(t *testing.T) {
	thu := time.Date(2024, 1, 4, 17, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 4, 16, 0, 0, 0, time.UTC), AlignDown(thu, 4*time.Hour))
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), AlignDown(thu, 24*time.Hour))

	week := AlignDown(thu, 7*24*time.Hour)
	assert.Equal(t, time.Monday, week.Weekday())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), week)
	assert.Equal(t, week, AlignDown(time.Date(2024, 1, 7, 23, 59, 0, 0, time.UTC), 7*24*time.Hour))
}
