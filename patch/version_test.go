package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInRangeBounded(t *testing.T) {
	assert.True(t, VersionInRange(18, "17.0.0", "19.0.0"))
	assert.False(t, VersionInRange(16, "17.0.0", "19.0.0"))
	assert.False(t, VersionInRange(20, "17.0.0", "19.0.0"))
}

func TestVersionInRangeUnbounded(t *testing.T) {
	assert.True(t, VersionInRange(5, "", ""))
	assert.True(t, VersionInRange(999, "", ""))
	assert.True(t, VersionInRange(5, "", "10.0.0"))
	assert.False(t, VersionInRange(11, "", "10.0.0"))
}

func TestVersionInRangeMalformedBoundTreatedAsUnbounded(t *testing.T) {
	assert.True(t, VersionInRange(5, "not-a-version", ""))
}
