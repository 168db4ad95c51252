package mm

import "strings"

// Perm is a set of access and caching attributes requested for a virtual
// memory mapping.
type Perm uint8

const (
	// PermRead allows the mapping to be read. Present mappings are always
	// readable on amd64 so this flag mostly serves as documentation.
	PermRead Perm = 1 << iota

	// PermWrite allows the mapping to be written.
	PermWrite

	// PermExec allows instructions to be fetched from the mapping.
	PermExec

	// PermNoCache disables caching for the mapping.
	PermNoCache

	// PermWriteThrough selects write-through caching for the mapping.
	PermWriteThrough

	// PermGlobal keeps the mapping's TLB entry across address space switches.
	PermGlobal
)

// Has returns true if all bits in other are set in p.
func (p Perm) Has(other Perm) bool {
	return p&other == other
}

// String renders the permissions as "rwx" followed by cache attributes.
func (p Perm) String() string {
	var sb strings.Builder
	for _, f := range []struct {
		bit Perm
		on  byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p.Has(f.bit) {
			sb.WriteByte(f.on)
		} else {
			sb.WriteByte('-')
		}
	}
	if p.Has(PermNoCache) {
		sb.WriteString(" nc")
	}
	if p.Has(PermWriteThrough) {
		sb.WriteString(" wt")
	}
	if p.Has(PermGlobal) {
		sb.WriteString(" g")
	}
	return sb.String()
}
