// Package tracecache implements the translation table / translation
// cache (TT/TC) described in spec.md §4.3: a guest-PC-keyed map from one
// gBB to its generated host code, plus the chained-jump patch sites
// recorded by backend.Generate and the discard bookkeeping a SIGSEGV-ed
// or munmap'd guest region requires.
//
// Grounded in the teacher's coprocessor ticket table (coprocessor_manager.go):
// a fixed map keyed by an opaque id, with a companion counters struct,
// generalized here from worker tickets to cached translations.
package tracecache

import (
	"github.com/vex86/coregrind-go/backend"
	"github.com/vex86/coregrind-go/errs"
)

// MaxTranslationSize bounds both the original guest byte count and the
// generated host byte count per translation (spec.md §4.3 invariant:
// "0 < orig <= 65535" and "0 < host <= 65535").
const MaxTranslationSize = 65535

// Translation is one cached guest-block-to-host-code mapping.
type Translation struct {
	GuestPC  uint32
	OrigSize int // guest bytes consumed
	Code     []byte
	Patches  []backend.PatchSite

	// Chained records, for each patch site already resolved to another
	// cached Translation, the host address patched in -- so Discard can
	// walk back and unchain anything that pointed at a discarded block.
	Chained map[int]uint32
}

// Counters tracks the lifetime statistics spec.md §9's supplemented
// discard-accounting feature calls for.
type Counters struct {
	Translations int
	Discards     int
	ChainedJumps int
}

// Cache is the TT/TC: a guest PC keyed map plus reverse-chaining index
// so a discard can find and unpatch every translation that jumps into
// the one being discarded.
type Cache struct {
	byPC      map[uint32]*Translation
	chainedBy map[uint32][]uint32 // target PC -> guest PCs of translations chained to it
	counters  Counters
}

func New() *Cache {
	return &Cache{
		byPC:      make(map[uint32]*Translation),
		chainedBy: make(map[uint32][]uint32),
	}
}

// Insert records a freshly generated translation, validating the size
// invariants spec.md §4.3 requires before a translation ever enters the
// cache.
func (c *Cache) Insert(pc uint32, origSize int, code []byte, patches []backend.PatchSite) (*Translation, error) {
	if origSize <= 0 || origSize > MaxTranslationSize {
		return nil, errs.New(errs.KindInternal, "tracecache.Insert", errs.ErrTraceSizeOutOfRange)
	}
	if len(code) == 0 || len(code) > MaxTranslationSize {
		return nil, errs.New(errs.KindInternal, "tracecache.Insert", errs.ErrTraceSizeOutOfRange)
	}
	t := &Translation{GuestPC: pc, OrigSize: origSize, Code: code, Patches: patches, Chained: make(map[int]uint32)}
	c.byPC[pc] = t
	c.counters.Translations++
	return t, nil
}

// Lookup returns the cached translation for pc, if any.
func (c *Cache) Lookup(pc uint32) (*Translation, bool) {
	t, ok := c.byPC[pc]
	return t, ok
}

// Chain patches one of src's recorded PatchSites to jump directly at
// dst's host code, the direct-jump optimization spec.md §4.3 describes:
// once both translations exist, a patched displacement lets the
// dispatcher be skipped entirely for that edge.
func (c *Cache) Chain(src *Translation, patchIndex int, dst *Translation, hostAddr uint32) {
	if patchIndex < 0 || patchIndex >= len(src.Patches) {
		return
	}
	site := src.Patches[patchIndex]
	patchRel32(src.Code, site.Offset, hostAddr)
	src.Chained[site.Offset] = dst.GuestPC
	c.chainedBy[dst.GuestPC] = append(c.chainedBy[dst.GuestPC], src.GuestPC)
	c.counters.ChainedJumps++
}

// patchRel32 overwrites the 4-byte little-endian field at off with v,
// the in-place rewrite chaining performs on a direct-jump patch site.
func patchRel32(code []byte, off int, v uint32) {
	if off < 0 || off+4 > len(code) {
		return
	}
	code[off] = byte(v)
	code[off+1] = byte(v >> 8)
	code[off+2] = byte(v >> 16)
	code[off+3] = byte(v >> 24)
}

// Discard removes every cached translation whose guest PC falls in
// [lo, hi), per spec.md §4.3's "munmap/self-modifying-code invalidation"
// requirement, and unchains any translation elsewhere that jumped
// directly into one of the discarded blocks.
func (c *Cache) Discard(lo, hi uint32) int {
	var removed []uint32
	for pc := range c.byPC {
		if pc >= lo && pc < hi {
			removed = append(removed, pc)
		}
	}
	for _, pc := range removed {
		for _, srcPC := range c.chainedBy[pc] {
			if src, ok := c.byPC[srcPC]; ok {
				for off, target := range src.Chained {
					if target == pc {
						delete(src.Chained, off)
					}
				}
			}
		}
		delete(c.chainedBy, pc)
		delete(c.byPC, pc)
		c.counters.Discards++
	}
	return len(removed)
}

// Counters returns a snapshot of the cache's lifetime statistics.
func (c *Cache) Counters() Counters { return c.counters }

// Len reports how many translations are currently cached.
func (c *Cache) Len() int { return len(c.byPC) }
