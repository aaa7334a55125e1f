//go:build 386 || arm

package arch

import "sync/atomic"

type AtomicUint = atomic.Uint32

func UintToArchSize(n uint) uint32 {
	return uint32(n)
}
