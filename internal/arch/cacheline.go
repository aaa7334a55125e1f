package arch

// CacheLineSize is the assumed CPU cache line width, used to pad
// concurrently-written structures (OffsetMgr ticket slots, ShmMgr
// per-thread data) so that independent threads never false-share a line.
const CacheLineSize = 64
