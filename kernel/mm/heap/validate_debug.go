//go:build debug_heap

package heap

// debugValidate runs Validate after every heap operation.
const debugValidate = true
