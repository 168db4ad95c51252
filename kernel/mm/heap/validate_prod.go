//go:build !debug_heap

package heap

const debugValidate = false
