package cpu

import "testing"

func TestHostedMMU(t *testing.T) {
	var mmu HostedMMU

	if got := mmu.ActivePDT(); got != 0 {
		t.Fatalf("expected no active PDT; got 0x%x", got)
	}

	mmu.FlushTLBEntry(0x1000)
	mmu.SwitchPDT(0xbadf000)

	if exp, got := uintptr(0xbadf000), mmu.ActivePDT(); got != exp {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}

	if len(mmu.Flushed) != 0 {
		t.Fatalf("expected SwitchPDT to discard pending flushes; got %v", mmu.Flushed)
	}

	mmu.FlushTLBEntry(0x2000)
	if exp, got := 1, len(mmu.Flushed); got != exp || mmu.Flushed[0] != 0x2000 {
		t.Fatalf("expected a single flush of 0x2000; got %v", mmu.Flushed)
	}

	if exp := 1; mmu.SwitchCount != exp {
		t.Fatalf("expected switch count %d; got %d", exp, mmu.SwitchCount)
	}
}
