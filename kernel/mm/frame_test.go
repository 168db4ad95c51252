package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameAndPageFromAddress(t *testing.T) {
	specs := []struct {
		input uintptr
		exp   uintptr
	}{
		{0, 0},
		{4095, 0},
		{4096, 1},
		{4123, 1},
		{0xffffffff80101000, 0xffffffff80101000 >> PageShift},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != Frame(spec.exp) {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.exp, got)
		}
		if got := PageFromAddress(spec.input); got != Page(spec.exp) {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.exp, got)
		}
	}
}
