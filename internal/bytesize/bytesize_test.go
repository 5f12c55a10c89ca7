package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"768Ki", 768 * KiB},
		{"768KiB", 768 * KiB},
		{"50Mi", 50 * MiB},
		{"100MB", 100 * MB},
		{"1Gi", GiB},
		{"2.5Mi", ByteSize(2.5 * float64(MiB))},
		{"0", 0},
		{" 512 Ki ", 512 * KiB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "Mi", "12Qi", "abc", "1.2.3Ki"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("768Ki")))
	assert.Equal(t, 768*KiB, b)

	assert.Error(t, b.UnmarshalText([]byte("nope")))
}

func TestString(t *testing.T) {
	assert.Equal(t, "768.00KiB", (768 * KiB).String())
	assert.Equal(t, "50.00MiB", (50 * MiB).String())
	assert.Equal(t, "100B", ByteSize(100).String())
}
