// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package space

import (
	"sort"
	"time"

	"github.com/google/btree"

	"github.com/NVIDIA/spacestore/identifier"
	"github.com/NVIDIA/spacestore/trackedlock"
)

// Entry is one tuple. Key is assigned by Write(); a template's Key is
// ignored.
type Entry struct {
	Key     identifier.Identifier `json:"key"`
	Type    string                `json:"type"`
	Fields  map[string]string     `json:"fields,omitempty"`
	Expires time.Time             `json:"expires,omitempty"`
	Removed bool                  `json:"removed,omitempty"`
}

func (entry *Entry) ID() identifier.Identifier {
	return entry.Key
}

func (entry *Entry) Tombstoned() bool {
	return entry.Removed
}

// Matches reports whether entry satisfies template: the same Type (an
// empty template Type matches any) and an equal value for every template
// field.
func (entry *Entry) Matches(template *Entry) bool {
	if nil == template {
		return true
	}
	if ("" != template.Type) && (template.Type != entry.Type) {
		return false
	}
	for name, value := range template.Fields {
		actual, ok := entry.Fields[name]
		if !ok || (actual != value) {
			return false
		}
	}
	return true
}

// Expired reports whether entry's lease ran out before now. A zero Expires
// never runs out.
func (entry *Entry) Expired(now time.Time) bool {
	return !entry.Expires.IsZero() && entry.Expires.Before(now)
}

// Clone returns a deep copy.
func (entry *Entry) Clone() (clone *Entry) {
	clone = &Entry{
		Key:     entry.Key,
		Type:    entry.Type,
		Expires: entry.Expires,
		Removed: entry.Removed,
	}
	if nil != entry.Fields {
		clone.Fields = make(map[string]string, len(entry.Fields))
		for name, value := range entry.Fields {
			clone.Fields[name] = value
		}
	}
	return
}

type indexItem identifier.Identifier

func (item indexItem) Less(than btree.Item) bool {
	return identifier.Identifier(item).Less(identifier.Identifier(than.(indexItem)))
}

// entryIndex keeps, per Type, the identifiers of present entries in
// allocation (FIFO) order.
type entryIndex struct {
	trackedlock.Mutex
	byType map[string]*btree.BTree
	count  int
}

func newEntryIndex() (index *entryIndex) {
	index = &entryIndex{byType: make(map[string]*btree.BTree)}
	return
}

func (index *entryIndex) insert(entryType string, id identifier.Identifier) {
	index.Lock()
	defer index.Unlock()

	tree, ok := index.byType[entryType]
	if !ok {
		tree = btree.New(8)
		index.byType[entryType] = tree
	}
	if nil == tree.ReplaceOrInsert(indexItem(id)) {
		index.count++
	}
}

func (index *entryIndex) remove(entryType string, id identifier.Identifier) {
	index.Lock()
	defer index.Unlock()

	tree, ok := index.byType[entryType]
	if !ok {
		return
	}
	if nil != tree.Delete(indexItem(id)) {
		index.count--
	}
	if 0 == tree.Len() {
		delete(index.byType, entryType)
	}
}

// snapshot returns entryType's identifiers oldest first; an empty
// entryType means every Type.
func (index *entryIndex) snapshot(entryType string) (ids []identifier.Identifier) {
	index.Lock()
	defer index.Unlock()

	collect := func(item btree.Item) bool {
		ids = append(ids, identifier.Identifier(item.(indexItem)))
		return true
	}

	if "" != entryType {
		if tree, ok := index.byType[entryType]; ok {
			tree.Ascend(collect)
		}
		return
	}

	for _, tree := range index.byType {
		tree.Ascend(collect)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	return
}

func (index *entryIndex) len() (count int) {
	index.Lock()
	count = index.count
	index.Unlock()
	return
}
