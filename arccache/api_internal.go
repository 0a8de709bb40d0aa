// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package arccache

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/spacestore/backingstore"
	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/bucketstats"
	"github.com/NVIDIA/spacestore/halter"
	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/logger"
)

type statsStruct struct {
	Hits          bucketstats.Total
	NegativeHits  bucketstats.Total
	Misses        bucketstats.Total
	GhostHitsB1   bucketstats.Total
	GhostHitsB2   bucketstats.Total
	Evictions     bucketstats.Total
	Destages      bucketstats.Total
	DestageErrors bucketstats.Total
	Fetches       bucketstats.Total
	FetchErrors   bucketstats.Total
	Inserts       bucketstats.Total
	Recovers      bucketstats.Total
	Retries       bucketstats.Total
	PinWaits      bucketstats.Total
	Resident      bucketstats.Gauge
	Target        bucketstats.Gauge
}

func newArcCache(name string, capacity int, store backingstore.BackingStore, listeners []Listener) (cache *ArcCache) {
	cache = &ArcCache{
		name:      name,
		capacity:  capacity,
		index:     make(map[identifier.Identifier]*CBD),
		t1:        adaptiveList{tag: listT1},
		t2:        adaptiveList{tag: listT2},
		b1:        adaptiveList{tag: listB1},
		b2:        adaptiveList{tag: listB2},
		store:     store,
		listeners: listeners,
		stats:     &statsStruct{},
	}
	cache.unpinned = sync.NewCond(&cache.Mutex)

	bucketstats.Register("arccache", name, cache.stats)

	return
}

func (cache *ArcCache) close() {
	bucketstats.UnRegister("arccache", cache.name)
}

func (cache *ArcCache) list(tag listTag) (list *adaptiveList) {
	switch tag {
	case listT1:
		list = &cache.t1
	case listT2:
		list = &cache.t2
	case listB1:
		list = &cache.b1
	case listB2:
		list = &cache.b2
	default:
		err := blunder.NewError(blunder.CorruptionError, "no list for tag %v", tag)
		logger.PanicfWithError(err, "arccache %s corrupted", cache.name)
	}
	return
}

// lookup returns the CBD for id pinned and fine-locked. needFetch is set
// when the CBD was a miss or ghost hit and so has no valid payload yet. A
// miss or ghost hit that needs a resident CBD evicted while all are pinned
// waits for an unpin.
//
// The caller must check cbd.dead when needFetch is false.
func (cache *ArcCache) lookup(id identifier.Identifier) (cbd *CBD, needFetch bool, err error) {
	var ok bool

	cache.Lock()

	for {
		cbd, ok = cache.index[id]
		if ok && ((listT1 == cbd.tag) || (listT2 == cbd.tag)) {
			cache.stats.Hits.Increment()
			cache.list(cbd.tag).remove(cbd)
			cache.t2.pushNewest(cbd)
			cbd.pins++
			cache.Unlock()
			// never block on a fine lock under the coarse lock
			cbd.Lock()
			return
		}

		if cache.roomLocked() {
			break
		}

		cache.stats.PinWaits.Increment()
		cache.unpinned.Wait()
	}

	if ok {
		switch cbd.tag {
		case listB1, listB2:
			err = cache.ghostHitLocked(cbd)
			if nil != err {
				cache.Unlock()
				cbd = nil
				return
			}
			cbd.pins++
			cache.updateGaugesLocked()
			cache.Unlock()
			needFetch = true
			return
		default:
			err = blunder.NewError(blunder.CorruptionError, "indexed CBD %v on no list", id)
			logger.PanicfWithError(err, "arccache %s corrupted", cache.name)
		}
	}

	cache.stats.Misses.Increment()

	err = cache.missLocked()
	if nil != err {
		cache.Unlock()
		cbd = nil
		return
	}

	cbd = &CBD{id: id, pins: 1}
	cbd.Lock()
	cache.t1.pushNewest(cbd)
	cache.index[id] = cbd
	cache.updateGaugesLocked()

	cache.Unlock()

	needFetch = true

	return
}

// roomLocked reports whether a new resident CBD can be admitted now: either
// T1 and T2 have spare capacity or one of their CBDs is unpinned.
func (cache *ArcCache) roomLocked() (room bool) {
	if cache.t1.len+cache.t2.len < cache.capacity {
		return true
	}

	for _, list := range []*adaptiveList{&cache.t1, &cache.t2} {
		list.walk(func(cbd *CBD) bool {
			room = (0 == cbd.pins)
			return !room
		})
		if room {
			return
		}
	}

	return
}

// ghostHitLocked adapts p, makes room, and moves cbd from its ghost list to
// the MRU end of T2 with its fine lock held.
func (cache *ArcCache) ghostHitLocked(cbd *CBD) (err error) {
	b1Len, b2Len := cache.b1.len, cache.b2.len

	if listB1 == cbd.tag {
		cache.stats.GhostHitsB1.Increment()
		delta := 1
		if b2Len > b1Len {
			delta = b2Len / b1Len
		}
		cache.target += delta
		if cache.target > cache.capacity {
			cache.target = cache.capacity
		}
	} else {
		cache.stats.GhostHitsB2.Increment()
		delta := 1
		if b1Len > b2Len {
			delta = b1Len / b2Len
		}
		cache.target -= delta
		if 0 > cache.target {
			cache.target = 0
		}
	}

	if cache.t1.len+cache.t2.len >= cache.capacity {
		err = cache.replaceLocked()
		if nil != err {
			return
		}
	}

	if !cbd.TryLock() {
		err = blunder.NewError(blunder.CorruptionError, "ghost CBD %v fine lock held", cbd.id)
		logger.PanicfWithError(err, "arccache %s lock protocol breach", cache.name)
	}

	cache.list(cbd.tag).remove(cbd)
	cache.t2.pushNewest(cbd)
	cbd.valid = false

	return
}

// missLocked applies ARC's capacity management ahead of a new T1 entry.
func (cache *ArcCache) missLocked() (err error) {
	l1 := cache.t1.len + cache.b1.len
	total := l1 + cache.t2.len + cache.b2.len

	if l1 >= cache.capacity {
		if cache.t1.len < cache.capacity {
			cache.forgetOldestLocked(&cache.b1)
			if cache.t1.len+cache.t2.len >= cache.capacity {
				err = cache.replaceLocked()
			}
		} else {
			// B1 is empty; drop T1's LRU from the directory altogether
			var victim *CBD
			victim, err = cache.evictLocked(&cache.t1)
			cache.noVictimCheck(err)
			if nil == err {
				cache.b1.remove(victim)
				delete(cache.index, victim.id)
			}
		}
		return
	}

	if total >= cache.capacity {
		if total >= 2*cache.capacity {
			cache.forgetOldestLocked(&cache.b2)
		}
		if cache.t1.len+cache.t2.len >= cache.capacity {
			err = cache.replaceLocked()
		}
	}

	return
}

func (cache *ArcCache) forgetOldestLocked(ghosts *adaptiveList) {
	cbd := ghosts.oldest
	if nil == cbd {
		return
	}
	ghosts.remove(cbd)
	delete(cache.index, cbd.id)
}

// replaceLocked evicts one resident CBD, from T1 if |T1| >= max(1,p) else
// from T2, into the matching ghost list. If the chosen list has nothing
// evictable the other list is tried.
func (cache *ArcCache) replaceLocked() (err error) {
	minT1 := cache.target
	if 1 > minT1 {
		minT1 = 1
	}

	first, second := &cache.t2, &cache.t1
	if cache.t1.len >= minT1 {
		first, second = &cache.t1, &cache.t2
	}

	_, err = cache.evictLocked(first)
	if blunder.Is(err, blunder.TryAgainError) {
		_, err = cache.evictLocked(second)
	}
	cache.noVictimCheck(err)

	return
}

// noVictimCheck panics if an eviction found nothing evictable after
// lookup() established that an unpinned resident CBD exists.
func (cache *ArcCache) noVictimCheck(err error) {
	if blunder.Is(err, blunder.TryAgainError) {
		err = blunder.NewError(blunder.CorruptionError, "no victim despite an unpinned resident CBD: %v", err)
		logger.PanicfWithError(err, "arccache %s corrupted", cache.name)
	}
}

// evictLocked destages the least recently used evictable CBD of resident
// and moves it to the ghost list for resident. A destage failure abandons
// the eviction, leaving the victim resident.
func (cache *ArcCache) evictLocked(resident *adaptiveList) (victim *CBD, err error) {
	resident.walk(func(cbd *CBD) bool {
		if (0 == cbd.pins) && cbd.TryLock() {
			victim = cbd
			return false
		}
		return true
	})

	if nil == victim {
		err = blunder.NewError(blunder.TryAgainError, "arccache %s has no evictable CBD on %v", cache.name, resident.tag)
		return
	}

	err = cache.destage(victim, false)
	if nil != err {
		victim.Unlock()
		cache.stats.DestageErrors.Increment()
		logger.ErrorfWithError(err, "arccache %s abandoned eviction of %v", cache.name, victim.id)
		return
	}

	victim.record = nil
	victim.valid = false
	victim.Unlock()

	resident.remove(victim)
	if listT1 == resident.tag {
		cache.b1.pushNewest(victim)
	} else {
		cache.b2.pushNewest(victim)
	}

	cache.stats.Evictions.Increment()

	logger.Tracef("arccache %s evicted %v from %v", cache.name, victim.id, resident.tag)

	return
}

// destage saves cbd's record if dirty or force is set. The caller holds
// cbd's fine lock.
func (cache *ArcCache) destage(cbd *CBD, force bool) (err error) {
	if (nil == cbd.record) || !(cbd.dirty || force) {
		return
	}

	halter.Trigger(halter.ArcCacheDestageEntry)

	cache.stats.Destages.Increment()

	err = cache.store.Save(cbd.record)
	if nil != err {
		if !blunder.HasValue(err) {
			err = blunder.AddError(err, blunder.IOError)
		}
		return
	}

	cbd.dirty = false
	if cbd.record.Tombstoned() {
		cbd.record = nil
	}

	return
}

func (cache *ArcCache) updateGaugesLocked() {
	cache.stats.Resident.Set(int64(cache.t1.len + cache.t2.len))
	cache.stats.Target.Set(int64(cache.target))
}

// unpin releases cbd's fine lock and then its pin.
func (cache *ArcCache) unpin(cbd *CBD) {
	cbd.Unlock()

	cache.Lock()
	cbd.pins--
	if 0 > cbd.pins {
		err := blunder.NewError(blunder.CorruptionError, "CBD %v unpinned too often", cbd.id)
		logger.PanicfWithError(err, "arccache %s pin count breach", cache.name)
	}
	if 0 == cbd.pins {
		cache.unpinned.Broadcast()
	}
	cache.Unlock()
}

// fetch fills a CBD returned by lookup() with needFetch set. On error the
// CBD is removed from the cache, marked dead, unlocked, and unpinned.
func (cache *ArcCache) fetch(cbd *CBD) (err error) {
	cache.stats.Fetches.Increment()

	record, ok, err := cache.store.Load(cbd.id)
	if nil != err {
		cache.stats.FetchErrors.Increment()
		if !blunder.HasValue(err) {
			err = blunder.AddError(err, blunder.IOError)
		}
		logger.ErrorfWithError(err, "arccache %s fetch of %v failed", cache.name, cbd.id)
		cache.discard(cbd)
		return
	}

	if ok {
		cbd.record = record
	} else {
		cbd.record = nil
	}
	cbd.valid = true
	cbd.dirty = false

	return
}

// discard removes a fine-locked, pinned CBD whose payload could not be
// established, then unlocks and unpins it.
func (cache *ArcCache) discard(cbd *CBD) {
	cbd.dead = true
	cbd.valid = false
	cbd.record = nil
	cbd.Unlock()

	cache.Lock()
	if cache.index[cbd.id] == cbd {
		cache.list(cbd.tag).remove(cbd)
		delete(cache.index, cbd.id)
	}
	cbd.pins--
	cache.updateGaugesLocked()
	cache.unpinned.Broadcast()
	cache.Unlock()
}

// present reports whether cbd holds a live (non-tombstoned) record.
func present(cbd *CBD) bool {
	return (nil != cbd.record) && !cbd.record.Tombstoned()
}

func (cache *ArcCache) notifyLoaded(id identifier.Identifier) {
	for _, listener := range cache.listeners {
		listener.Loaded(id)
	}
}

// acquire is lookup() retried past CBDs that died while being waited on.
func (cache *ArcCache) acquire(id identifier.Identifier) (cbd *CBD, needFetch bool, err error) {
	for {
		cbd, needFetch, err = cache.lookup(id)
		if (nil != err) || needFetch || !cbd.dead {
			return
		}
		cache.stats.Retries.Increment()
		cache.unpin(cbd)
	}
}

func (cache *ArcCache) find(id identifier.Identifier) (handle *Handle, err error) {
	cbd, needFetch, err := cache.acquire(id)
	if nil != err {
		return
	}

	if needFetch {
		err = cache.fetch(cbd)
		if nil != err {
			return
		}
		if nil != cbd.record {
			cache.notifyLoaded(id)
		}
	}

	if !present(cbd) {
		cache.stats.NegativeHits.Increment()
		cache.unpin(cbd)
		return
	}

	handle = &Handle{cache: cache, cbd: cbd}

	return
}

func (cache *ArcCache) insert(record backingstore.Record) (handle *Handle, err error) {
	id := record.ID()

	cbd, needFetch, err := cache.acquire(id)
	if nil != err {
		return
	}

	if !needFetch && present(cbd) {
		cache.unpin(cbd)
		err = blunder.NewError(blunder.AlreadyExistsError, "arccache %s already holds %v", cache.name, id)
		return
	}

	cache.stats.Inserts.Increment()

	cbd.record = record
	cbd.valid = true
	cbd.dirty = true

	cache.notifyLoaded(id)

	handle = &Handle{cache: cache, cbd: cbd}

	return
}

func (cache *ArcCache) recover(candidate backingstore.Record) (handle *Handle, wasOnDisk bool, err error) {
	id := candidate.ID()

	cbd, needFetch, err := cache.acquire(id)
	if nil != err {
		return
	}

	cache.stats.Recovers.Increment()

	if needFetch {
		err = cache.fetch(cbd)
		if nil != err {
			return
		}
	}

	if present(cbd) {
		wasOnDisk = true
	} else {
		cbd.record = candidate
		cbd.valid = true
		cbd.dirty = true
	}

	cache.notifyLoaded(id)

	handle = &Handle{cache: cache, cbd: cbd}

	return
}

func (cache *ArcCache) sync() (err error) {
	cache.Lock()
	resident := make([]*CBD, 0, cache.t1.len+cache.t2.len)
	for _, list := range []*adaptiveList{&cache.t1, &cache.t2} {
		list.walk(func(cbd *CBD) bool {
			cbd.pins++
			resident = append(resident, cbd)
			return true
		})
	}
	cache.Unlock()

	for _, cbd := range resident {
		cbd.Lock()
		if cbd.valid && !cbd.dead {
			destageErr := cache.destage(cbd, true)
			if (nil != destageErr) && (nil == err) {
				err = destageErr
			}
		}
		cache.unpin(cbd)
	}

	if nil != err {
		logger.ErrorfWithError(err, "arccache %s sync failed", cache.name)
	}

	return
}

func (cache *ArcCache) validate() (err error) {
	cache.Lock()
	defer cache.Unlock()

	c := cache.capacity
	t1, t2, b1, b2 := cache.t1.len, cache.t2.len, cache.b1.len, cache.b2.len

	switch {
	case t1+t2 > c:
		err = fmt.Errorf("|T1|+|T2| == %d exceeds C == %d", t1+t2, c)
	case t1+b1 > c:
		err = fmt.Errorf("|T1|+|B1| == %d exceeds C == %d", t1+b1, c)
	case t1+t2+b1+b2 > 2*c:
		err = fmt.Errorf("|T1|+|T2|+|B1|+|B2| == %d exceeds 2C == %d", t1+t2+b1+b2, 2*c)
	case (0 > cache.target) || (cache.target > c):
		err = fmt.Errorf("p == %d outside [0,%d]", cache.target, c)
	case t1+t2+b1+b2 != len(cache.index):
		err = fmt.Errorf("lists hold %d CBDs but index holds %d", t1+t2+b1+b2, len(cache.index))
	}
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptionError)
		return
	}

	for _, list := range []*adaptiveList{&cache.t1, &cache.t2, &cache.b1, &cache.b2} {
		count := 0
		var older *CBD
		list.walk(func(cbd *CBD) bool {
			count++
			switch {
			case cbd.tag != list.tag:
				err = fmt.Errorf("CBD %v on %v is tagged %v", cbd.id, list.tag, cbd.tag)
			case cbd.older != older:
				err = fmt.Errorf("CBD %v on %v has a broken older link", cbd.id, list.tag)
			case cache.index[cbd.id] != cbd:
				err = fmt.Errorf("CBD %v on %v is not the indexed CBD", cbd.id, list.tag)
			}
			older = cbd
			return nil == err
		})
		if (nil == err) && (count != list.len) {
			err = fmt.Errorf("%v walks %d CBDs but len is %d", list.tag, count, list.len)
		}
		if (nil == err) && (list.newest != older) {
			err = fmt.Errorf("%v newest is not its last CBD", list.tag)
		}
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptionError)
			return
		}
	}

	return
}

func (handle *Handle) checkHeld(op string) {
	if handle.released {
		err := blunder.NewError(blunder.LockProtocolError, "%s on released handle for %v", op, handle.cbd.id)
		logger.PanicfWithError(err, "arccache %s handle misuse", handle.cache.name)
	}
}
