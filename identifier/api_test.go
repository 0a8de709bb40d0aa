// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package identifier

import (
	"bytes"
	"sort"
	"sync"
	"testing"

	"github.com/NVIDIA/sortedmap"
	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/spacestore/blunder"
)

func TestCompareAndPack(t *testing.T) {
	assert := assert.New(t)

	ids := []Identifier{
		{Zone: 1, Seq: 2},
		{Zone: 0, Seq: 0xFFFFFFFFFF},
		{Zone: 1, Seq: 1},
		{Zone: 2, Seq: 0},
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	assert.Equal([]Identifier{{0, 0xFFFFFFFFFF}, {1, 1}, {1, 2}, {2, 0}}, ids)

	for i := 1; i < len(ids); i++ {
		assert.Equal(-1, bytes.Compare(ids[i-1].Pack(), ids[i].Pack()))
		assert.Equal(1, ids[i].Compare(ids[i-1]))
	}

	packed := ids[2].Pack()
	assert.Equal(PackedSize, len(packed))
	assert.Equal([]byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 2}, packed)

	unpacked, err := Unpack(packed)
	assert.NoError(err)
	assert.Equal(ids[2], unpacked)

	_, err = Unpack(packed[:5])
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	assert.Equal("1:2", ids[2].String())
	assert.Equal(ids[2].Hash(), Identifier{1, 2}.Hash())
	assert.NotEqual(ids[1].Hash(), ids[2].Hash())
	assert.True(Nil.IsNil())
	assert.False(ids[0].IsNil())
}

func TestAllocator(t *testing.T) {
	assert := assert.New(t)

	allocator := NewAllocator(7)
	first := allocator.Next()
	assert.Equal(Identifier{Zone: 7, Seq: 1}, first)

	var (
		wg   sync.WaitGroup
		lock sync.Mutex
		seen = make(map[Identifier]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := Nil
			for j := 0; j < 100; j++ {
				id := allocator.Next()
				assert.True(prev.Less(id))
				prev = id
				lock.Lock()
				seen[id] = true
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(800, len(seen))

	allocator.Observe(Identifier{Zone: 7, Seq: 5000})
	allocator.Observe(Identifier{Zone: 8, Seq: 9000})
	assert.Equal(Identifier{Zone: 7, Seq: 5001}, allocator.Next())
	allocator.Reset(10)
	assert.Equal(Identifier{Zone: 7, Seq: 5002}, allocator.Next())
}

func TestSortedMapCompare(t *testing.T) {
	assert := assert.New(t)

	tree := sortedmap.NewLLRBTree(SortedMapCompare, nil)
	for _, seq := range []uint64{5, 1, 3} {
		ok, err := tree.Put(Identifier{Zone: 1, Seq: seq}, seq)
		assert.NoError(err)
		assert.True(ok)
	}

	key, _, ok, err := tree.GetByIndex(0)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal(Identifier{Zone: 1, Seq: 1}, key)

	_, err = SortedMapCompare(Identifier{}, "nope")
	assert.Error(err)
}
