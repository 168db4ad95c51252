package layout

import (
	"math/rand"
	"strings"
	"testing"

	"kestrel/kernel/mm"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()

	l, err := New(mm.DefaultConfig())
	require.NoError(t, err)
	return l
}

func TestNewRejectsBadVMA(t *testing.T) {
	for specIndex, vma := range []uintptr{0xffffffff80000123, DeviceWindowStart, TempMappingAddr, DirectMapBase, 0x100000} {
		cfg := mm.DefaultConfig()
		cfg.KernelVMA = vma
		if _, err := New(cfg); !errors.Is(err, mm.ErrInvalidConfig) {
			t.Errorf("[spec %d] expected ErrInvalidConfig; got %v", specIndex, err)
		}
	}
}

func TestReserve(t *testing.T) {
	l := newTestLayout(t)

	specs := []struct {
		purpose Purpose
		size    uintptr
		exp     Descriptor
	}{
		{KernelImage, 0x5123, Descriptor{Base: 0xffffffff80000000, Size: 0x6000, Purpose: KernelImage, Perm: mm.PermRead | mm.PermExec}},
		{AllocatorMetadata, 0x1000, Descriptor{Base: 0xffffffff80007000, Size: 0x1000, Purpose: AllocatorMetadata, Perm: mm.PermRead | mm.PermWrite}},
		{Heap, uintptr(64 * mm.Mb), Descriptor{Base: 0xffffffff80009000, Size: 0x4000000, Purpose: Heap, Perm: mm.PermRead | mm.PermWrite}},
		{Stack, 0x4000, Descriptor{Base: 0xffffffff8400a000, Size: 0x4000, Purpose: Stack, Perm: mm.PermRead | mm.PermWrite}},
		{Framebuffer, 0x2ff000, Descriptor{Base: 0xffffffffffd00000, Size: 0x2ff000, Purpose: Framebuffer, Perm: mm.PermRead | mm.PermWrite | mm.PermWriteThrough}},
		{Device, 0, Descriptor{Base: 0xffffffffffcfe000, Size: 0x1000, Purpose: Device, Perm: mm.PermRead | mm.PermWrite | mm.PermNoCache}},
	}

	for specIndex, spec := range specs {
		got, err := l.Reserve(spec.purpose, spec.size)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if got != spec.exp {
			t.Errorf("[spec %d] expected descriptor %+v; got %+v", specIndex, spec.exp, got)
		}
	}

	descs := l.Descriptors()
	require.Len(t, descs, len(specs))
	for i := 1; i < len(descs); i++ {
		require.Truef(t, descs[i-1].End() < descs[i].Base, "regions %d and %d are not separated by a guard page", i-1, i)
	}
}

func TestReserveExhausted(t *testing.T) {
	l := newTestLayout(t)

	_, err := l.Reserve(Heap, uintptr(2*mm.Gb))
	require.True(t, errors.Is(err, ErrLayoutExhausted))
	require.True(t, errors.Is(err, mm.ErrOutOfMemory))
	require.Empty(t, l.Descriptors())

	// The whole device window fits exactly once.
	fb, err := l.Reserve(Framebuffer, TempMappingAddr-DeviceWindowStart)
	require.NoError(t, err)
	require.Equal(t, DeviceWindowStart, fb.Base)

	_, err = l.Reserve(Device, mm.PageSize)
	require.True(t, errors.Is(err, mm.ErrOutOfMemory))

	// Kernel window reservations are unaffected.
	_, err = l.Reserve(KernelImage, mm.PageSize)
	require.NoError(t, err)
}

func TestReserveHugeSizes(t *testing.T) {
	l := newTestLayout(t)

	for specIndex, purpose := range []Purpose{KernelImage, Heap, Device, DirectMap} {
		for _, size := range []uintptr{^uintptr(0), ^uintptr(0) - mm.PageSize + 2} {
			if _, err := l.Reserve(purpose, size); !errors.Is(err, mm.ErrOutOfMemory) {
				t.Errorf("[spec %d] %s: expected reserving %#x bytes to fail with ErrOutOfMemory; got %v", specIndex, purpose, size, err)
			}
		}
	}
	require.Empty(t, l.Descriptors())

	heap, err := l.Reserve(Heap, 0x10000)
	require.NoError(t, err)
	_, err = l.Grow(heap, 0x1000)
	require.NoError(t, err)

	_, err = l.Grow(heap, ^uintptr(0)-0x800)
	require.True(t, errors.Is(err, mm.ErrOutOfMemory))
	require.Error(t, l.Shrink(heap, ^uintptr(0)-0x800))

	got, ok := l.Find(heap.Base)
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), got.Used)
}

func TestDirectMapWindow(t *testing.T) {
	l := newTestLayout(t)

	image, err := l.Reserve(KernelImage, 0x6000)
	require.NoError(t, err)

	direct, err := l.Reserve(DirectMap, uintptr(16*mm.Mb)+0x123)
	require.NoError(t, err)
	require.Equal(t, Descriptor{Base: DirectMapBase, Size: 0x1001000, Purpose: DirectMap, Perm: mm.PermRead | mm.PermWrite}, direct)
	require.True(t, direct.End() < image.Base)

	// The window ends at the kernel VMA.
	_, err = l.Reserve(DirectMap, mm.DefaultConfig().KernelVMA-DirectMapBase)
	require.True(t, errors.Is(err, ErrLayoutExhausted))

	require.True(t, errors.Is(l.Release(direct), ErrNotReleasable))
}

func TestGrowAndShrink(t *testing.T) {
	l := newTestLayout(t)
	heap, err := l.Reserve(Heap, 0x10000)
	require.NoError(t, err)

	base, err := l.Grow(heap, 100)
	require.NoError(t, err)
	require.Equal(t, heap.Base, base)

	_, err = l.Grow(heap, 0x10000)
	require.True(t, errors.Is(err, mm.ErrOutOfMemory))

	base, err = l.Grow(heap, 0xf000)
	require.NoError(t, err)
	require.Equal(t, heap.Base+0x1000, base)

	got, ok := l.Find(heap.Base + 0x8000)
	require.True(t, ok)
	require.Equal(t, uintptr(0x10000), got.Used)

	require.NoError(t, l.Shrink(heap, 0xf000))
	require.Error(t, l.Shrink(heap, 0x2000))

	base, err = l.Grow(heap, 0x2000)
	require.NoError(t, err)
	require.Equal(t, heap.Base+0x1000, base)

	_, err = l.Grow(Descriptor{Base: 0x1000, Purpose: Heap}, 0x1000)
	require.True(t, errors.Is(err, ErrUnknownRegion))
}

func TestRelease(t *testing.T) {
	l := newTestLayout(t)

	image, err := l.Reserve(KernelImage, mm.PageSize)
	require.NoError(t, err)
	require.True(t, errors.Is(l.Release(image), ErrNotReleasable))

	dev1, err := l.Reserve(Device, 0x3000)
	require.NoError(t, err)
	dev2, err := l.Reserve(Device, 0x1000)
	require.NoError(t, err)
	require.Equal(t, dev1.Base-0x2000, dev2.Base)

	require.NoError(t, l.Release(dev1))
	require.True(t, errors.Is(l.Release(dev1), ErrUnknownRegion))

	_, ok := l.Find(dev1.Base)
	require.False(t, ok)

	// The freed slot is reused for requests that fit.
	dev3, err := l.Reserve(Device, 0x2000)
	require.NoError(t, err)
	require.Equal(t, dev1.End()-0x2000, dev3.Base)
}

func TestFind(t *testing.T) {
	l := newTestLayout(t)
	image, err := l.Reserve(KernelImage, 0x2000)
	require.NoError(t, err)
	stack, err := l.Reserve(Stack, 0x4000)
	require.NoError(t, err)

	specs := []struct {
		addr   uintptr
		exp    Descriptor
		expHit bool
	}{
		{image.Base, image, true},
		{image.End() - 1, image, true},
		{image.End(), Descriptor{}, false}, // guard page
		{stack.Base + 0x3fff, stack, true},
		{stack.End(), Descriptor{}, false},
		{0x1000, Descriptor{}, false},
	}

	for specIndex, spec := range specs {
		got, ok := l.Find(spec.addr)
		if ok != spec.expHit || got != spec.exp {
			t.Errorf("[spec %d] expected Find(%#x) to return (%+v, %t); got (%+v, %t)", specIndex, spec.addr, spec.exp, spec.expHit, got, ok)
		}
	}
}

func TestLayoutIsDeterministic(t *testing.T) {
	run := func() []Descriptor {
		l := newTestLayout(t)
		rng := rand.New(rand.NewSource(42))

		var devices []Descriptor
		for i := 0; i < 200; i++ {
			if len(devices) > 0 && rng.Intn(3) == 0 {
				victim := rng.Intn(len(devices))
				require.NoError(t, l.Release(devices[victim]))
				devices = append(devices[:victim], devices[victim+1:]...)
				continue
			}

			d, err := l.Reserve(Device, uintptr(1+rng.Intn(8))*mm.PageSize)
			require.NoError(t, err)
			devices = append(devices, d)
		}

		descs := l.Descriptors()
		for i := 1; i < len(descs); i++ {
			require.Truef(t, descs[i-1].End() < descs[i].Base, "regions %+v and %+v overlap", descs[i-1], descs[i])
		}
		return descs
	}

	require.Equal(t, run(), run())
}

func TestWriteJSON(t *testing.T) {
	l := newTestLayout(t)
	_, err := l.Reserve(KernelImage, 0x6000)
	require.NoError(t, err)
	heap, err := l.Reserve(Heap, 0x10000)
	require.NoError(t, err)
	_, err = l.Grow(heap, 0x1000)
	require.NoError(t, err)

	w := jwriter.NewWriter()
	l.WriteJSON(&w)
	require.NoError(t, w.Error())

	out := string(w.Bytes())
	for _, exp := range []string{
		`{"Purpose":"kernel image","Base":"0xffffffff80000000","Size":24576,"Perm":"r-x"}`,
		`{"Purpose":"heap","Base":"0xffffffff80007000","Size":65536,"Used":4096,"Perm":"rw-"}`,
	} {
		require.Truef(t, strings.Contains(out, exp), "expected %s in %s", exp, out)
	}
}

func TestPurposeString(t *testing.T) {
	require.Equal(t, "allocator metadata", AllocatorMetadata.String())
	require.Equal(t, "direct map", DirectMap.String())
	require.Equal(t, "unknown", Purpose(42).String())
}
