package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateFallback(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("abcd"))
	assert.Equal(t, 25, Estimate(string(make([]byte, 100))))
}

func TestNilCounterEstimates(t *testing.T) {
	var c *Counter
	assert.Equal(t, Estimate("some schema text"), c.Estimate("some schema text"))
}
