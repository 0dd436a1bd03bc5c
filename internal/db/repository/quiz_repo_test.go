package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullableRank(t *testing.T) {
	assert.Nil(t, nullableRank(0))
	assert.Equal(t, int32(3), *nullableRank(3))
	assert.Equal(t, 0, rankValue(nil))
	v := int32(7)
	assert.Equal(t, 7, rankValue(&v))
}
