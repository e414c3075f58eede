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

package flatmap

import (
	"runtime"

	"go.uber.org/zap"
)

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash hashFn[K]
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The function must be deterministic for a given key and seed, must not
// panic, and must return the same value for keys considered equal by the
// Map's equality function.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

type equalOption[K comparable, V any] struct {
	equal equalFn[K]
}

func (op equalOption[K, V]) apply(m *Map[K, V]) {
	m.equal = op.equal
}

// WithEqual is an option to specify the key equivalence used by a Map[K,V].
// By default keys are compared with ==.
func WithEqual[K comparable, V any](equal func(a, b *K) bool) option[K, V] {
	return equalOption[K, V]{equal}
}

type seedOption[K comparable, V any] struct {
	seed uintptr
}

func (op seedOption[K, V]) apply(m *Map[K, V]) {
	m.seed = op.seed
}

// WithSeed fixes the seed passed to the hash function. By default every Map
// uses a random seed. Placement is only repeatable across maps when the hash
// function is itself deterministic (e.g. IntegerHash via WithHash): the
// default hash carries an additional per-map random seed that WithSeed does
// not override.
func WithSeed[K comparable, V any](seed uintptr) option[K, V] {
	return seedOption[K, V]{seed}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots and
// presence words be freed then Map.Close must be called in order to ensure
// FreeSlots and FreePresence are called.
//
// An allocator that cannot satisfy a request may return a short (or nil)
// slice. The Map then panics with an error marked ErrAllocationFailed before
// modifying any of its state.
type Allocator[K comparable, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Entry[K,V], n).
	AllocSlots(n int) []Entry[K, V]

	// AllocPresence should return a slice equivalent to make([]uint64, n).
	AllocPresence(n int) []uint64

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Entry[K, V])

	// FreePresence can optional release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocPresence.
	FreePresence(v []uint64)
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Entry[K, V] {
	return makeOrNil[Entry[K, V]](n)
}

func (defaultAllocator[K, V]) AllocPresence(n int) []uint64 {
	return makeOrNil[uint64](n)
}

// makeOrNil returns make([]T, n), or nil if n is larger than any slice of T
// the runtime can allocate.
func makeOrNil[T any](n int) (v []T) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime.Error); !ok {
				panic(r)
			}
			v = nil
		}
	}()
	return make([]T, n)
}

func (defaultAllocator[K, V]) FreeSlots(v []Entry[K, V]) {
}

func (defaultAllocator[K, V]) FreePresence(v []uint64) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

type loggerOption[K comparable, V any] struct {
	logger *zap.Logger
}

func (op loggerOption[K, V]) apply(m *Map[K, V]) {
	m.logger = op.logger
}

// WithLogger is an option to specify the logger a Map[K,V] reports growth
// events to. Events are logged at debug level. The default logger discards
// everything.
func WithLogger[K comparable, V any](logger *zap.Logger) option[K, V] {
	return loggerOption[K, V]{logger}
}
