package ucs

import "fmt"

// MemoryType identifies where a buffer lives.
type MemoryType uint8

const (
	MemoryTypeHost MemoryType = iota
	MemoryTypeCUDA
	MemoryTypeROCm
	MemoryTypeUnknown
)

func (m MemoryType) String() string {
	switch m {
	case MemoryTypeHost:
		return "host"
	case MemoryTypeCUDA:
		return "cuda"
	case MemoryTypeROCm:
		return "rocm"
	case MemoryTypeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("memtype(%d)", uint8(m))
	}
}

// Assertf panics with a formatted message when cond is false. It guards
// internal contracts whose violation is a programming error.
func Assertf(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(fmt.Sprintf("assertion failed: "+format, args...))
}
