// Package cpu exposes the processor facilities used by the memory subsystem.
package cpu

// MMU describes the hardware address translation unit. The amd64 rt0 glue
// implements it on top of the CR3 register and the invlpg instruction; hosted
// builds use HostedMMU.
type MMU interface {
	// SwitchPDT sets the root page table directory to point to the specified
	// physical address and flushes the TLB.
	SwitchPDT(pdtPhysAddr uintptr)

	// ActivePDT returns the physical address of the currently active page table.
	ActivePDT() uintptr

	// FlushTLBEntry flushes a TLB entry for a particular virtual address.
	FlushTLBEntry(virtAddr uintptr)
}

// Halt stops instruction execution. Hosted builds park the calling goroutine
// forever.
func Halt() {
	select {}
}

// HostedMMU is an MMU for hosted builds and tests. It records the installed
// root table and every TLB invalidation request.
type HostedMMU struct {
	activePDT uintptr

	// SwitchCount is incremented by each SwitchPDT call.
	SwitchCount int

	// Flushed lists the virtual addresses passed to FlushTLBEntry since the
	// last call to SwitchPDT.
	Flushed []uintptr
}

// SwitchPDT implements MMU.
func (m *HostedMMU) SwitchPDT(pdtPhysAddr uintptr) {
	m.activePDT = pdtPhysAddr
	m.SwitchCount++
	m.Flushed = m.Flushed[:0]
}

// ActivePDT implements MMU.
func (m *HostedMMU) ActivePDT() uintptr {
	return m.activePDT
}

// FlushTLBEntry implements MMU.
func (m *HostedMMU) FlushTLBEntry(virtAddr uintptr) {
	m.Flushed = append(m.Flushed, virtAddr)
}
