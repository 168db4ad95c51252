package physmem

import (
	"testing"
	"unsafe"

	"kestrel/kernel/mm"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestSim(t *testing.T) {
	sim, err := NewSim(0x100000, 64*mm.Kb)
	require.NoError(t, err)
	defer func() { require.NoError(t, sim.Close()) }()

	require.Equal(t, uintptr(0x100000), sim.Base())
	require.Equal(t, 64*mm.Kb, sim.Size())

	specs := []struct {
		addr, size uintptr
		exp        bool
	}{
		{0x100000, 1, true},
		{0x100000, 64 * 1024, true},
		{0x10f000, 4096, true},
		{0x10f000, 4097, false},
		{0xff000, 4096, false},
		{0x110000, 0, true},
		{0x110000, 1, false},
		{^uintptr(0), 2, false},
	}

	for specIndex, spec := range specs {
		if got := sim.Contains(spec.addr, spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(%#x, %#x) to return %t; got %t", specIndex, spec.addr, spec.size, spec.exp, got)
		}
	}

	b := sim.Slice(0x101000, 4)
	copy(b, []byte{1, 2, 3, 4})
	require.Equal(t, []byte{0, 1, 2, 3, 4, 0}, sim.Slice(0x100fff, 6))
	require.Len(t, sim.Slice(0x101000, 4), 4)
	require.Equal(t, 4, cap(sim.Slice(0x101000, 4)))
}

func TestSimOutOfRangePanics(t *testing.T) {
	sim, err := NewSim(0, 16*mm.Kb)
	require.NoError(t, err)
	defer sim.Close()

	defer func() {
		err, ok := recover().(error)
		require.True(t, ok)
		require.True(t, errors.Is(err, ErrOutOfRange))
	}()

	sim.Slice(16*1024-8, 16)
	t.Fatal("expected Slice to panic")
}

func TestNewSimErrors(t *testing.T) {
	_, err := NewSim(0x123, 16*mm.Kb)
	require.True(t, errors.Is(err, ErrOutOfRange))

	_, err = NewSim(0, 1000)
	require.True(t, errors.Is(err, ErrOutOfRange))

	_, err = NewSim(0, 0)
	require.True(t, errors.Is(err, ErrOutOfRange))
}

func TestWordsAndZero(t *testing.T) {
	sim, err := NewSim(0, 16*mm.Kb)
	require.NoError(t, err)
	defer sim.Close()

	words := Words(sim, mm.Frame(1), 512)
	require.Len(t, words, 512)
	words[0] = 0x1122334455667788
	words[511] = ^uint64(0)

	raw := sim.Slice(mm.Frame(1).Address(), 8)
	require.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, raw)

	ZeroFrames(sim, mm.Frame(1), 1)
	require.Zero(t, words[0])
	require.Zero(t, words[511])

	copy(sim.Slice(0x10, 4), []byte{9, 9, 9, 9})
	Zero(sim, 0x11, 2)
	require.Equal(t, []byte{9, 0, 0, 9}, sim.Slice(0x10, 4))
}

func TestDirect(t *testing.T) {
	backing := make([]uint64, 64)
	base := uintptr(unsafe.Pointer(&backing[0]))

	d := Direct{Offset: base - 0x1000}
	require.True(t, d.Contains(0x1000, 8))
	b := d.Slice(0x1000, 8)
	b[0] = 0xaa
	require.Equal(t, uint64(0xaa), backing[0])
	require.Nil(t, d.Slice(0x1000, 0))
}

func TestDirectRelocate(t *testing.T) {
	backing := make([]uint64, 64)
	base := uintptr(unsafe.Pointer(&backing[0]))

	var r Relocatable = Direct{}
	moved := r.Relocate(base - 0x2000)
	require.Equal(t, Direct{Offset: base - 0x2000}, moved)

	moved.Slice(0x2008, 8)[0] = 0x55
	require.Equal(t, uint64(0x55), backing[1])
}
