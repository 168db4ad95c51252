package mm

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	specs := []struct {
		value, align      uint64
		expUp, expDown    uint64
		expAlignedAlready bool
	}{
		{0, 16, 0, 0, true},
		{1, 16, 16, 0, false},
		{16, 16, 16, 16, true},
		{4097, 4096, 8192, 4096, false},
		{0x100fff, 4096, 0x101000, 0x100000, false},
	}

	for specIndex, spec := range specs {
		if got := AlignUp(spec.value, spec.align); got != spec.expUp {
			t.Errorf("[spec %d] expected AlignUp to return %#x; got %#x", specIndex, spec.expUp, got)
		}
		if got := AlignDown(spec.value, spec.align); got != spec.expDown {
			t.Errorf("[spec %d] expected AlignDown to return %#x; got %#x", specIndex, spec.expDown, got)
		}
		if got := IsAligned(spec.value, spec.align); got != spec.expAlignedAlready {
			t.Errorf("[spec %d] expected IsAligned to return %t; got %t", specIndex, spec.expAlignedAlready, got)
		}
	}
}

func TestCheckPow2(t *testing.T) {
	for _, n := range []uint{1, 2, 64, 4096} {
		require.NoError(t, CheckPow2(n, "n"))
	}

	for _, n := range []uint{0, 3, 12, 4097} {
		err := CheckPow2(n, "align")
		require.True(t, errors.Is(err, ErrNotPowerOfTwo))
		require.Contains(t, err.Error(), "align is")
	}
}

func TestNextPow2(t *testing.T) {
	specs := []struct{ in, exp uint64 }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {256, 256}, {257, 512},
	}

	for specIndex, spec := range specs {
		if got := NextPow2(spec.in); got != spec.exp {
			t.Errorf("[spec %d] expected NextPow2(%d) to return %d; got %d", specIndex, spec.in, spec.exp, got)
		}
	}
}
