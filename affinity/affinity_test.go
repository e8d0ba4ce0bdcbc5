package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAffinityRejectsNegative(t *testing.T) {
	assert.Error(t, SetAffinity(-1))
}
