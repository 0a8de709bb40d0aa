// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package identifier names storable records. An Identifier is a comparable
// value (usable as a map key) made of a zone and a sequence number; ordering by
// (zone, sequence) is allocation (FIFO) order within a zone.
package identifier

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/spacestore/blunder"
)

// Identifier uniquely names one record within one backing store.
type Identifier struct {
	Zone uint32
	Seq  uint64
}

// PackedSize is the length of the slice returned by Pack().
const PackedSize = 12

// Nil is the zero Identifier; no Allocator ever returns it.
var Nil = Identifier{}

func (id Identifier) IsNil() bool {
	return Nil == id
}

// Compare returns <0, 0, or >0 as id sorts before, equal to, or after other.
func (id Identifier) Compare(other Identifier) int {
	switch {
	case id.Zone < other.Zone:
		return -1
	case id.Zone > other.Zone:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

func (id Identifier) Less(other Identifier) bool {
	return 0 > id.Compare(other)
}

func (id Identifier) String() string {
	return fmt.Sprintf("%d:%d", id.Zone, id.Seq)
}

// Pack encodes id big-endian so that byte-wise order equals Compare() order.
func (id Identifier) Pack() (packed []byte) {
	packed, err := cstruct.Pack(&id, cstruct.BigEndian)
	if nil != err {
		// Identifier is fixed-size so this cannot fail
		panic(err)
	}
	return
}

// Unpack decodes a slice produced by Pack().
func Unpack(packed []byte) (id Identifier, err error) {
	if PackedSize != len(packed) {
		err = blunder.NewError(blunder.InvalidArgError, "identifier.Unpack() given %d bytes, expected %d", len(packed), PackedSize)
		return
	}

	_, err = cstruct.Unpack(packed, &id, cstruct.BigEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.InvalidArgError)
	}

	return
}

// Hash returns a well-distributed hash of id.
func (id Identifier) Hash() uint64 {
	return cityhash.Hash64(id.Pack())
}

// SortedMapCompare is a sortedmap.Compare for Identifier keys.
func SortedMapCompare(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	id1, ok := key1.(Identifier)
	if !ok {
		err = fmt.Errorf("identifier.SortedMapCompare(non-Identifier,) not supported")
		return
	}
	id2, ok := key2.(Identifier)
	if !ok {
		err = fmt.Errorf("identifier.SortedMapCompare(,non-Identifier) not supported")
		return
	}

	result = id1.Compare(id2)

	return
}

// Allocator hands out Identifiers in one zone in strictly increasing order.
type Allocator struct {
	sync.Mutex
	zone    uint32
	lastSeq uint64
}

func NewAllocator(zone uint32) (allocator *Allocator) {
	allocator = &Allocator{zone: zone}
	return
}

func (allocator *Allocator) Zone() uint32 {
	return allocator.zone
}

// Next returns an Identifier that compares greater than every one
// previously returned.
func (allocator *Allocator) Next() (id Identifier) {
	allocator.Lock()
	allocator.lastSeq++
	id = Identifier{Zone: allocator.zone, Seq: allocator.lastSeq}
	allocator.Unlock()
	return
}

// Reset ensures later allocations sort after seq. It never moves the
// allocator backwards.
func (allocator *Allocator) Reset(seq uint64) {
	allocator.Lock()
	if seq > allocator.lastSeq {
		allocator.lastSeq = seq
	}
	allocator.Unlock()
}

// Observe notes an identifier recovered from storage so that it is never
// handed out again.
func (allocator *Allocator) Observe(id Identifier) {
	if id.Zone == allocator.zone {
		allocator.Reset(id.Seq)
	}
}
