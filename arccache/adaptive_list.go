// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package arccache

import (
	"fmt"

	"github.com/NVIDIA/spacestore/blunder"
	"github.com/NVIDIA/spacestore/logger"
)

type listTag int

const (
	listNone listTag = iota
	listT1
	listT2
	listB1
	listB2
)

func (tag listTag) String() string {
	switch tag {
	case listNone:
		return "None"
	case listT1:
		return "T1"
	case listT2:
		return "T2"
	case listB1:
		return "B1"
	case listB2:
		return "B2"
	default:
		return fmt.Sprintf("listTag(%d)", int(tag))
	}
}

// adaptiveList is an intrusive doubly-linked list of CBDs ordered from
// oldest (LRU) to newest (MRU). Every operation is O(1) given the CBD. The
// owning ArcCache's coarse lock protects the list and the links of its CBDs.
type adaptiveList struct {
	tag    listTag
	oldest *CBD
	newest *CBD
	len    int
}

func (list *adaptiveList) pushNewest(cbd *CBD) {
	if listNone != cbd.tag {
		err := blunder.NewError(blunder.CorruptionError, "pushNewest(%v) onto %v but CBD is on %v", cbd.id, list.tag, cbd.tag)
		logger.PanicfWithError(err, "arccache list corrupted")
	}

	cbd.tag = list.tag
	cbd.older = list.newest
	cbd.newer = nil

	if nil == list.newest {
		list.oldest = cbd
	} else {
		list.newest.newer = cbd
	}
	list.newest = cbd

	list.len++
}

func (list *adaptiveList) remove(cbd *CBD) {
	if list.tag != cbd.tag {
		err := blunder.NewError(blunder.CorruptionError, "remove(%v) from %v but CBD is on %v", cbd.id, list.tag, cbd.tag)
		logger.PanicfWithError(err, "arccache list corrupted")
	}

	if nil == cbd.newer {
		list.newest = cbd.older
	} else {
		cbd.newer.older = cbd.older
	}
	if nil == cbd.older {
		list.oldest = cbd.newer
	} else {
		cbd.older.newer = cbd.newer
	}

	cbd.tag = listNone
	cbd.older = nil
	cbd.newer = nil

	list.len--
}

func (list *adaptiveList) moveToNewest(cbd *CBD) {
	if list.newest == cbd {
		return
	}
	list.remove(cbd)
	list.pushNewest(cbd)
}

// walk visits CBDs oldest first until fn returns false.
func (list *adaptiveList) walk(fn func(cbd *CBD) bool) {
	for cbd := list.oldest; nil != cbd; {
		newer := cbd.newer
		if !fn(cbd) {
			return
		}
		cbd = newer
	}
}
