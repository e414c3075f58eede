// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flatmap is a Go implementation of a minimal flat hash map: an
// open-addressing table that stores entries directly in a contiguous slot
// array and tracks occupancy in a parallel presence bitmap.
//
// # Layout
//
// A Map has N slots where N is a power of 2 (initially 1, with nothing
// allocated) and a bitmap with one bit per slot. A slot holds a live entry
// iff its presence bit is set. The map always keeps at least one slot free:
// before an insertion that would leave no free slot the table is doubled.
//
// # Probing
//
// The origin of a key is hash(key)&(N-1). Probing visits the origin and then
// origin+i*i (mod N) for i = 1, 2, 3, ... until it finds the key or a slot
// whose presence bit is clear. Find and Insert walk exactly the same
// sequence, which is what makes lookups correct: an entry is always stored at
// the first free slot on its key's sequence at the time it was placed, and
// nothing is ever removed, so a later lookup reaches the entry before any
// free slot.
//
// Unlike the triangular sequence used by Swiss tables, squares modulo 2^k do
// not cover every residue (mod 8 they are only 0, 1 and 4), so a sequence can
// cycle through occupied slots while free slots exist elsewhere in the table.
// The sequence is periodic with a period dividing N, so every walk is bounded
// to N probes. A bounded lookup that runs out of probes reports the key as
// absent. A bounded insertion that runs out of probes grows the table and
// retries, and growth itself keeps doubling until every entry can be placed.
//
// # Growth
//
// Growth allocates a new slot array and bitmap of twice the capacity, places
// every live entry by walking its probe sequence against the new capacity
// (no duplicate checks are needed), and only then swaps the new buffers in
// and releases the old ones. A failed allocation therefore leaves the map
// untouched.
//
// There is no deletion and no iteration: a Map only ever grows.
package flatmap

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const debug = false

// ErrAllocationFailed marks the error a Map panics with when its Allocator
// returns less memory than requested. Use errors.Is to test for it after
// recovering.
var ErrAllocationFailed = errors.New("flatmap: allocation failed")

// Entry holds a key and value. The key of a stored entry is never modified.
type Entry[K comparable, V any] struct {
	key   K
	value V
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K {
	return e.key
}

// Value returns the entry's value.
func (e *Entry[K, V]) Value() V {
	return e.value
}

// Map is an unordered, insert-only map from keys to values with Find,
// Insert, and Empty operations. By default, a Map[K,V] uses the same hash
// function as Go's builtin map[K]V and compares keys with ==, though both
// can be replaced using the WithHash and WithEqual options.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash  hashFn[K]
	equal equalFn[K]
	seed  uintptr
	// The allocator to use for the slots and presence words.
	allocator Allocator[K, V]
	logger    *zap.Logger
	// presence has bit i set iff slots[i] holds a live entry. Bits at or
	// beyond capacity are never set.
	presence *bitset.BitSet
	// slots is capacity in length, or nil before the first allocation.
	slots []Entry[K, V]
	// The total number of slots (always 2^N). The capacity-1 is used as a
	// mask to quickly compute i%N using a bitwise & operation.
	capacity uintptr
	// The number of filled slots (i.e. the number of elements in the map).
	// Always less than capacity.
	used int
}

// New constructs a new Map with the specified initial capacity. If
// initialCapacity is 0 the map will start out with a capacity of 1 and no
// allocated memory and will grow on the first insert.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init initializes a Map with the specified initial capacity. A positive
// initialCapacity sizes the map so that initialCapacity entries fit without
// the load-triggered growth. Init can be used to reuse a Map value, but any
// memory held by the map is not released to its allocator first; call Close
// for that.
func (m *Map[K, V]) Init(initialCapacity int, options ...option[K, V]) {
	*m = Map[K, V]{
		hash:      runtimeHash[K](),
		equal:     defaultEqual[K],
		seed:      randomSeed(),
		allocator: defaultAllocator[K, V]{},
		logger:    zap.NewNop(),
		presence:  &bitset.BitSet{},
		capacity:  1,
	}

	for _, op := range options {
		op.apply(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	if initialCapacity > 0 {
		// targetCapacity is the smallest power of 2 that is > initialCapacity.
		targetCapacity := uintptr(1) << bits.Len(uint(initialCapacity))
		m.resize(targetCapacity)
	}

	m.checkInvariants()
}

// Close closes the map, zeroing every entry and releasing any memory back to
// its configured allocator. It is unnecessary to close a map using the
// default allocator. It is invalid to use a Map after it has been closed
// (until it is re-initialized with Init), though Close itself is idempotent.
func (m *Map[K, V]) Close() {
	if m.slots != nil {
		m.free(m.slots, m.presence)
	}
	m.slots = nil
	m.presence = &bitset.BitSet{}
	m.capacity = 1
	m.used = 0
	m.allocator = nil
}

// Find returns the entry for the specified key, or nil if the key is not
// present. The returned pointer remains valid until the map next grows.
func (m *Map[K, V]) Find(key K) *Entry[K, V] {
	if m.used == 0 {
		// Special case: nothing to probe, possibly nothing allocated.
		return nil
	}
	p := (*K)(noescape(unsafe.Pointer(&key)))
	i, r := m.find(m.hash(p, m.seed), p)
	if r != probeFound {
		return nil
	}
	return &m.slots[i]
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if e := m.Find(key); e != nil {
		return e.value, true
	}
	return value, false
}

// Insert inserts an entry into the map if no entry with an equal key is
// present, returning the new entry and inserted=true. If an equal key is
// already present its entry is returned unchanged with inserted=false and
// value is discarded. The returned pointer remains valid until the map next
// grows.
func (m *Map[K, V]) Insert(key K, value V) (_ *Entry[K, V], inserted bool) {
	// Keep a free slot around once this entry is stored.
	if uintptr(m.used+1) >= m.capacity {
		m.resize(2 * m.capacity)
	}

	p := (*K)(noescape(unsafe.Pointer(&key)))
	h := m.hash(p, m.seed)
	for {
		i, r := m.find(h, p)
		switch r {
		case probeFound:
			return &m.slots[i], false

		case probeEmpty:
			e := &m.slots[i]
			e.key = key
			e.value = value
			m.presence.Set(uint(i))
			m.used++
			if invariants && uintptr(m.used) >= m.capacity {
				panic(errors.AssertionFailedf("invariant failed: used=%d capacity=%d", m.used, m.capacity))
			}
			return e, true
		}

		// Every slot on the sequence is occupied by some other key, which
		// also proves the key is absent.
		m.logger.Debug("flatmap: probe sequence exhausted",
			zap.Uintptr("capacity", m.capacity),
			zap.Int("len", m.used))
		m.resize(2 * m.capacity)
	}
}

// Empty returns true iff the map holds no entries.
func (m *Map[K, V]) Empty() bool {
	return m.used == 0
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

type probeResult uint8

const (
	probeFound probeResult = iota
	probeEmpty
	probeExhausted
)

// find walks the probe sequence for hash h, returning the index of the entry
// whose key is equal to key, or of the first free slot. It is the only
// probing routine used by Find and Insert.
func (m *Map[K, V]) find(h uintptr, key *K) (uintptr, probeResult) {
	seq := makeProbeSeq(h, m.capacity-1)
	if debug {
		fmt.Printf("find(%v): %s\n", *key, seq)
	}

	for ; !seq.done(); seq = seq.next() {
		if !m.presence.Test(uint(seq.offset)) {
			if debug {
				fmt.Printf("find(empty): %s\n", seq)
			}
			return seq.offset, probeEmpty
		}
		if m.equal(key, &m.slots[seq.offset].key) {
			if debug {
				fmt.Printf("find(found): %s\n", seq)
			}
			return seq.offset, probeFound
		}
	}

	if debug {
		fmt.Printf("find(exhausted): %s\n", seq)
	}
	return 0, probeExhausted
}

// resize allocates a table of newCapacity slots (doubling further if some
// entry cannot be placed) and moves every entry into it. The map is only
// modified once all entries have been placed.
func (m *Map[K, V]) resize(newCapacity uintptr) {
	oldCapacity := m.capacity
	for attempts := 1; ; attempts++ {
		slots, presence := m.alloc(newCapacity)
		if !m.rehashInto(slots, presence, newCapacity-1) {
			if debug {
				fmt.Printf("resize: capacity=%d too small, retrying\n", newCapacity)
			}
			newCapacity *= 2
			continue
		}

		oldSlots, oldPresence := m.slots, m.presence
		m.slots, m.presence, m.capacity = slots, presence, newCapacity
		if oldSlots != nil {
			m.free(oldSlots, oldPresence)
		}

		m.logger.Debug("flatmap: grow",
			zap.Uintptr("from", oldCapacity),
			zap.Uintptr("to", newCapacity),
			zap.Int("len", m.used),
			zap.Int("attempts", attempts))

		m.checkInvariants()
		return
	}
}

// rehashInto places every live entry into slots at the first free index of
// its probe sequence under mask, without checking for duplicates. It returns
// false if some entry's probe sequence has no free index. Unless it returns
// true, slots and presence have been released to the allocator, including
// when the hash function panics.
func (m *Map[K, V]) rehashInto(
	slots []Entry[K, V], presence *bitset.BitSet, mask uintptr,
) (ok bool) {
	defer func() {
		if !ok {
			m.free(slots, presence)
		}
	}()

	for i, more := m.presence.NextSet(0); more; i, more = m.presence.NextSet(i + 1) {
		e := &m.slots[i]
		seq := makeProbeSeq(m.hash((*K)(noescape(unsafe.Pointer(&e.key))), m.seed), mask)
		for !seq.done() && presence.Test(uint(seq.offset)) {
			seq = seq.next()
		}
		if seq.done() {
			return false
		}
		presence.Set(uint(seq.offset))
		slots[seq.offset] = *e
	}
	return true
}

// alloc obtains zeroed slots and presence words for a table with the
// specified capacity from the map's allocator.
func (m *Map[K, V]) alloc(capacity uintptr) ([]Entry[K, V], *bitset.BitSet) {
	// Doubling past the largest power of 2 wraps around to 0.
	if capacity == 0 || capacity > math.MaxInt {
		panic(errors.Mark(
			errors.Newf("flatmap: capacity overflow growing map with %d entries", m.used),
			ErrAllocationFailed))
	}

	slots := m.allocator.AllocSlots(int(capacity))
	if uintptr(len(slots)) < capacity {
		panic(errors.Mark(
			errors.Newf("flatmap: allocator returned %d slots, need %d", len(slots), capacity),
			ErrAllocationFailed))
	}

	words := int((capacity + 63) / 64)
	presence := m.allocator.AllocPresence(words)
	if len(presence) < words {
		m.allocator.FreeSlots(slots)
		panic(errors.Mark(
			errors.Newf("flatmap: allocator returned %d presence words, need %d", len(presence), words),
			ErrAllocationFailed))
	}

	b := bitset.From(presence[:words:words])
	b.ClearAll()
	return slots[:capacity:capacity], b
}

// free zeroes slots and hands slots and presence back to the allocator.
func (m *Map[K, V]) free(slots []Entry[K, V], presence *bitset.BitSet) {
	clear(slots)
	m.allocator.FreeSlots(slots)
	m.allocator.FreePresence(presence.Bytes())
}

// slotCount returns the number of slots in the map.
func (m *Map[K, V]) slotCount() int {
	return int(m.capacity)
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.validate(); err != nil {
			panic(err)
		}
	}
}

// validate verifies the structural invariants of the map, and that every
// stored entry can be found again by its key.
func (m *Map[K, V]) validate() error {
	if m.capacity == 0 || m.capacity&(m.capacity-1) != 0 {
		return errors.AssertionFailedf("invariant failed: capacity %d is not a power of 2", m.capacity)
	}
	if uintptr(m.used) >= m.capacity {
		return errors.AssertionFailedf("invariant failed: used=%d is not less than capacity=%d",
			m.used, m.capacity)
	}
	if m.slots == nil {
		if m.used != 0 || m.capacity != 1 {
			return errors.AssertionFailedf("invariant failed: unallocated map with used=%d capacity=%d",
				m.used, m.capacity)
		}
		return nil
	}
	if uintptr(len(m.slots)) != m.capacity {
		return errors.AssertionFailedf("invariant failed: %d slots, but capacity is %d",
			len(m.slots), m.capacity)
	}
	if i, ok := m.presence.NextSet(uint(m.capacity)); ok {
		return errors.AssertionFailedf("invariant failed: presence bit %d set beyond capacity %d\n%s",
			i, m.capacity, m.debugString())
	}
	if n := m.presence.Count(); n != uint(m.used) {
		return errors.AssertionFailedf("invariant failed: found %d present slots, but used count is %d\n%s",
			n, m.used, m.debugString())
	}

	for i, ok := m.presence.NextSet(0); ok; i, ok = m.presence.NextSet(i + 1) {
		e := &m.slots[i]
		if !m.equal(&e.key, &e.key) {
			// A key that is not equal to itself (e.g. NaN) can never be found.
			continue
		}
		if m.Find(e.key) != e {
			h := m.hash(&e.key, m.seed)
			return errors.AssertionFailedf("invariant failed: slot(%d): %v not found [origin=%d]\n%s",
				i, e.key, h&(m.capacity-1), m.debugString())
		}
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d\n", m.capacity, m.used)
	for i := range m.slots {
		if !m.presence.Test(uint(i)) {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		e := &m.slots[i]
		h := m.hash(&e.key, m.seed)
		fmt.Fprintf(&buf, "  %4d: %v [origin=%d]\n", i, e.key, h&(m.capacity-1))
	}
	return buf.String()
}

// probeSeq maintains the state for a probe sequence. The sequence is a pure
// quadratic progression of the form
//
//	p(i) := hash + i^2 (mod mask+1)
//
// The sequence does not visit every slot when mask+1 is a power of two, but
// it repeats with a period that divides mask+1, so stopping after mask+1
// probes visits every slot the sequence can ever reach.
type probeSeq struct {
	mask   uintptr
	origin uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		origin: hash & mask,
		offset: hash & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset = (s.origin + s.index*s.index) & s.mask
	return s
}

// done returns true once the sequence has produced mask+1 offsets.
func (s probeSeq) done() bool {
	return s.index > s.mask
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d origin=%d offset=%d index=%d", s.mask, s.origin, s.offset, s.index)
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
