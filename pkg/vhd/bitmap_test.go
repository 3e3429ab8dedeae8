package vhd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitmapSetAndTestMSBFirst(t *testing.T) {
	buf := make([]byte, 1)
	BitmapSet(buf, 0)
	assert.Equal(t, byte(0x80), buf[0])
	assert.True(t, BitmapTest(buf, 0))
	assert.False(t, BitmapTest(buf, 1))

	BitmapSet(buf, 7)
	assert.Equal(t, byte(0x81), buf[0])
}

func TestBitmapRunsEmpty(t *testing.T) {
	buf := make([]byte, 4)
	assert.Empty(t, BitmapRuns(buf, 32))
}

func TestBitmapRunsAllSet(t *testing.T) {
	buf := []byte{0xFF, 0xFF}
	runs := BitmapRuns(buf, 16)
	assert.Equal(t, [][2]int{{0, 16}}, runs)
}

func TestBitmapRunsMixed(t *testing.T) {
	buf := make([]byte, 2)
	for _, i := range []int{0, 1, 2, 5, 6, 7, 10} {
		BitmapSet(buf, i)
	}
	runs := BitmapRuns(buf, 16)
	assert.Equal(t, [][2]int{{0, 3}, {5, 8}, {10, 11}}, runs)
}

func TestBitmapRunsTrailingRun(t *testing.T) {
	buf := make([]byte, 1)
	BitmapSet(buf, 6)
	BitmapSet(buf, 7)
	runs := BitmapRuns(buf, 8)
	assert.Equal(t, [][2]int{{6, 8}}, runs)
}
