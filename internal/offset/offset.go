// Package offset implements OffsetMgr: the ticket ring that gives
// POSIX-style sequential file offsets a well-defined order across
// concurrent writers sharing one open file description. Every writer
// that wants the shared offset takes a ticket, does its work, and then
// waits for its predecessor's ticket before it's allowed to publish
// where its write actually landed in transaction order — this is what
// lets `write()` behave like a single global queue even though the
// blocks themselves commit lock-free and out of order.
package offset

import (
	"runtime"
	"sync/atomic"

	"ulayfs/internal/arch"
	"ulayfs/internal/errs"
	"ulayfs/internal/layout"
)

// NumQueueSlots is the size of the ticket ring. A slot is reused every
// NumQueueSlots tickets, which is safe because a writer only ever needs
// to see its immediate predecessor's slot, and by the time a ticket
// wraps back around, every prior occupant has long since published and
// moved on.
const NumQueueSlots = 64

// Cursor is a comparable position in transaction-commit order, derived
// from a layout.TxEntryIdx. The tx-log chain only ever grows forward, so
// two cursors compare correctly with plain integer less-than, which is
// what validate_offset relies on; wrapping a full layout.TxEntryIdx
// notion of "cursor" in its own opaque type keeps offset from having to
// know how TxEntryIdx is packed.
type Cursor uint64

// CursorFromTxEntryIdx packs idx into a Cursor.
func CursorFromTxEntryIdx(idx layout.TxEntryIdx) Cursor {
	return Cursor(idx.Pack())
}

// Less reports whether c sorts before other in commit order.
func (c Cursor) Less(other Cursor) bool { return c < other }

// ticketSlot is one cache-line-padded handoff cell in the ring.
type ticketSlot struct {
	ticket atomic.Uint64
	cursor atomic.Uint64
	_      [arch.CacheLineSize - 16]byte
}

// Manager is the per-file OffsetMgr. Seek and Acquire mutate offset
// under the caller-supplied lock (the file's own spinlock; Manager does
// not take one of its own, matching the rest of the ring's design of
// pushing serialization up to the caller wherever the caller already
// holds a lock for another reason). Wait/Validate/Release coordinate the
// ticket ring lock-free.
type Manager struct {
	offset     uint64 // protected by the caller's lock; not atomic
	nextTicket uint64 // protected by the caller's lock; not atomic
	ring       [NumQueueSlots]ticketSlot
	strict     bool
}

// New returns a Manager starting at offset 0 with ticket 1 next (ticket 0
// is reserved as the no-predecessor sentinel). When strict is false,
// WaitOffset and ValidateOffset become no-ops and concurrent writers are
// only ordered by tx-log commit order, matching the relaxed
// strict_offset_serial mode.
func New(strict bool) *Manager {
	return &Manager{nextTicket: 1, strict: strict}
}

// SeekAbsolute sets offset to abs. Caller must hold the file lock.
func (m *Manager) SeekAbsolute(abs int64) error {
	if abs < 0 {
		return errs.ErrBadArgument
	}
	m.offset = uint64(abs)
	return nil
}

// SeekRelative adds rel to offset. Caller must hold the file lock.
func (m *Manager) SeekRelative(rel int64) error {
	next := int64(m.offset) + rel
	if next < 0 {
		return errs.ErrBadArgument
	}
	m.offset = uint64(next)
	return nil
}

// Offset returns the current shared offset. Caller must hold the file
// lock, or accept a torn read racing a concurrent Seek/Acquire.
func (m *Manager) Offset() uint64 { return m.offset }

// AcquireOffset reserves count bytes starting at the current offset and
// advances it, handing back a ticket for ordering against other
// acquirers. If stopAtBoundary is set and the reservation would run past
// fileSize, it's clamped to fileSize and the returned count reflects the
// clamp. Caller must hold the file lock.
func (m *Manager) AcquireOffset(count uint64, fileSize uint64, stopAtBoundary bool) (oldOffset uint64, actualCount uint64, ticket uint64) {
	oldOffset = m.offset
	actualCount = count
	if stopAtBoundary && oldOffset+actualCount > fileSize {
		if oldOffset >= fileSize {
			actualCount = 0
		} else {
			actualCount = fileSize - oldOffset
		}
	}
	m.offset = oldOffset + actualCount
	ticket = m.nextTicket
	m.nextTicket++
	return oldOffset, actualCount, ticket
}

// WaitOffset spin-waits until ticket's predecessor has published its
// cursor. Ticket 0 is never issued and serves as the sentinel meaning
// "no predecessor", so WaitOffset returns immediately for ticket 1.
func (m *Manager) WaitOffset(ticket uint64) {
	pred := ticket - 1
	if pred == 0 || !m.strict {
		return
	}
	slot := &m.ring[pred%NumQueueSlots]
	// A predecessor holds its slot only for the length of one write's
	// commit, so this spin is brief in practice.
	for slot.ticket.Load() != pred {
		runtime.Gosched()
	}
}

// ValidateOffset reports whether myCursor sorts after the predecessor's
// published cursor. false means this operation's commit actually landed
// before its predecessor's in tx-log order, so the caller must redo the
// operation (with refreshed state) to preserve POSIX ordering; ticket 1,
// whose predecessor is the sentinel ticket 0, always validates.
func (m *Manager) ValidateOffset(ticket uint64, myCursor Cursor) bool {
	pred := ticket - 1
	if pred == 0 || !m.strict {
		return true
	}
	slot := &m.ring[pred%NumQueueSlots]
	predCursor := Cursor(slot.cursor.Load())
	return predCursor.Less(myCursor)
}

// ReleaseOffset publishes myCursor into ticket's slot, then release-
// stores ticket itself so any successor spin-waiting in WaitOffset can
// proceed. The store order matters: a successor must never observe the
// ticket before it observes the cursor that goes with it.
func (m *Manager) ReleaseOffset(ticket uint64, myCursor Cursor) {
	slot := &m.ring[ticket%NumQueueSlots]
	slot.cursor.Store(uint64(myCursor))
	slot.ticket.Store(ticket)
}
