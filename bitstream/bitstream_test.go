package bitstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodeSize(t *testing.T) {
	s, err := NewCodeSize(2, []int{4, 2}, []int{4, 2}, []int{8, 4})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Levels())
	assert.Equal(t, 2*4*4, s.Symbols(0))
	assert.Equal(t, 2*2*2, s.Symbols(1))
	assert.Equal(t, "m=2 4x4/8 2x2/4", s.String())
}

func TestCodeSizeValidate(t *testing.T) {
	tests := []struct {
		name    string
		groups  int
		heights []int
		widths  []int
		k       []int
	}{
		{"zero groups", 0, []int{4}, []int{4}, []int{8}},
		{"no levels", 2, nil, nil, nil},
		{"ragged widths", 2, []int{4, 2}, []int{4}, []int{8, 4}},
		{"ragged alphabet", 2, []int{4, 2}, []int{4, 2}, []int{8}},
		{"zero height", 2, []int{0}, []int{4}, []int{8}},
		{"zero width", 2, []int{4}, []int{0}, []int{8}},
		{"zero alphabet", 2, []int{4}, []int{4}, []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCodeSize(tt.groups, tt.heights, tt.widths, tt.k)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestCodeSizeEqual(t *testing.T) {
	a, err := NewCodeSize(2, []int{4, 2}, []int{4, 2}, []int{8, 4})
	require.NoError(t, err)

	b := a
	assert.True(t, a.Equal(b))

	c, err := NewCodeSize(2, []int{4, 2}, []int{4, 2}, []int{8, 8})
	require.NoError(t, err)
	assert.False(t, a.Equal(c))

	d, err := NewCodeSize(4, []int{4, 2}, []int{4, 2}, []int{8, 4})
	require.NoError(t, err)
	assert.False(t, a.Equal(d))

	single, err := NewCodeSize(2, []int{4}, []int{4}, []int{8})
	require.NoError(t, err)
	assert.False(t, a.Equal(single))
}

func TestImageSizeValidate(t *testing.T) {
	require.NoError(t, ImageSize{Height: 512, Width: 768, Channels: 3}.Validate())
	require.ErrorIs(t, ImageSize{Height: 0, Width: 768, Channels: 3}.Validate(), ErrMalformed)
	require.ErrorIs(t, ImageSize{Height: 512, Width: -1, Channels: 3}.Validate(), ErrMalformed)
	require.ErrorIs(t, ImageSize{Height: 512, Width: 768}.Validate(), ErrMalformed)
}
