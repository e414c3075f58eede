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
	"github.com/dolthub/maphash"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/rand"
)

type hashFn[K comparable] func(key *K, seed uintptr) uintptr

type equalFn[K comparable] func(a, b *K) bool

// runtimeHash returns a hash function backed by the hasher the Go runtime
// uses for map[K]V. The runtime hasher carries its own random seed, so the
// result differs between hashers even for equal keys and seeds. The seed
// argument is only xor'ed in; it perturbs placement but cannot make it
// repeatable.
func runtimeHash[K comparable]() hashFn[K] {
	h := maphash.NewHasher[K]()
	return func(key *K, seed uintptr) uintptr {
		return uintptr(h.Hash(*key)) ^ seed
	}
}

func defaultEqual[K comparable](a, b *K) bool {
	return *a == *b
}

func randomSeed() uintptr {
	return uintptr(rand.Uint64())
}

// IntegerHash is a hash function for integer keys suitable for use with
// WithHash. It is the finalizer of the 64-bit murmur3 hash applied to the key
// xor'ed with the seed, so every bit of the key affects the low bits used to
// pick a slot.
func IntegerHash[K constraints.Integer](key *K, seed uintptr) uintptr {
	x := uint64(*key) ^ uint64(seed)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return uintptr(x)
}
