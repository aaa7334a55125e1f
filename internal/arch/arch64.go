//go:build amd64 || arm64

package arch

import "sync/atomic"

// AtomicUint is the native-width unsigned atomic type used for in-DRAM
// counters (e.g. internal/memtable's mapped-block count) that are never
// laid out on PMEM. On-PMEM fields always use the fixed-width
// atomic.Uint32/atomic.Uint64 types directly, since the wire layout must
// not depend on the host's word size.
type AtomicUint = atomic.Uint64

// UintToArchSize narrows n to the host's native atomic width, for storing
// into an AtomicUint.
func UintToArchSize(n uint) uint64 {
	return uint64(n)
}
