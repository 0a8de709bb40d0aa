// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements easy to use statistics collection and
// reporting, including bucketized statistics. Statistics start at zero and
// grow as they are added to, except Gauge which tracks a point-in-time level.
//
// One or more statistics are placed in a structure and registered, with a
// package name and group name, via a call to Register() before being used.
// The set of statistics registered can be printed with SprintStats() or
// visited with Walk() (e.g. by an exporter).
package bucketstats

import (
	"math/bits"
	"sync/atomic"
)

type StatStringFormat int

const (
	StatFormatParsable1 StatStringFormat = iota
)

// A Totaler can be incremented, or added to, and tracks the total value of all
// values added.
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string)
}

// An Averager is a Totaler that also tracks the number of values added.
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// BucketInfo describes one bucket of a Bucketer's distribution.
type BucketInfo struct {
	Count     uint64
	RangeLow  uint64
	RangeHigh uint64
}

// A Bucketer is an Averager which also tracks the distribution of values.
type Bucketer interface {
	Averager
	DistGet() []BucketInfo
}

// Register and initialize a set of statistics.
//
// statsStruct is a pointer to a structure which has one or more fields holding
// statistics. It may also contain other fields that are not bucketstats types.
//
// The combination of pkgName and statsGroupName must be unique. Whitespace
// characters, '"' (double quote), '*' (asterisk), and ':' (colon) are not
// allowed in either name.
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics.
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats returns the value of all statistics associated with pkgName and
// statsGroupName, one statistic per line. Use "*" to select all package names
// or all group names.
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	return sprintStats(stringFmt, pkgName, statsGroupName)
}

// Walk calls fn for every registered statistic, ordered by package, group,
// and statistic name. stat is one of *Total, *Average, *Gauge, or *BucketLog2.
func Walk(fn func(pkgName string, statsGroupName string, statName string, stat interface{})) {
	walk(fn)
}

// Total is a simple totaler. It supports the Totaler interface.
//
// Name must be unique within statistics in the structure. If it is "" then
// Register() will assign a name based on the name of the field.
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Total) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// Average counts a number of items and their average size. It supports the
// Averager interface.
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Increment() {
	this.Add(1)
}

func (this *Average) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Average) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

func (this *Average) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// Gauge tracks a point-in-time level (e.g. a queue depth) and the highest
// level it has reached.
type Gauge struct {
	level int64 // Ensure 64-bit alignment
	peak  int64
	Name  string
}

func (this *Gauge) Set(level int64) {
	atomic.StoreInt64(&this.level, level)
	this.notePeak(level)
}

func (this *Gauge) Inc() {
	this.notePeak(atomic.AddInt64(&this.level, 1))
}

func (this *Gauge) Dec() {
	atomic.AddInt64(&this.level, -1)
}

func (this *Gauge) LevelGet() int64 {
	return atomic.LoadInt64(&this.level)
}

func (this *Gauge) PeakGet() int64 {
	return atomic.LoadInt64(&this.peak)
}

func (this *Gauge) notePeak(level int64) {
	for {
		peak := atomic.LoadInt64(&this.peak)
		if (level <= peak) || atomic.CompareAndSwapInt64(&this.peak, peak, level) {
			return
		}
	}
}

func (this *Gauge) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// BucketLog2 holds bucketized statistics where value 0 goes in bucket 0 and
// any other value goes in bucket floor(log2(value)) + 1.
//
// Example mappings of values to buckets:
//
//  Values  Bucket
//       0       0
//       1       1
//   2 - 3       2
//   4 - 7       3
//  8 - 15       4
//     etc.
type BucketLog2 struct {
	Name        string
	statBuckets [65]uint64
	total       uint64
}

func (this *BucketLog2) Add(value uint64) {
	atomic.AddUint64(&this.statBuckets[bits.Len64(value)], 1)
	atomic.AddUint64(&this.total, value)
}

func (this *BucketLog2) Increment() {
	this.Add(1)
}

func (this *BucketLog2) CountGet() (count uint64) {
	for i := range this.statBuckets {
		count += atomic.LoadUint64(&this.statBuckets[i])
	}
	return
}

func (this *BucketLog2) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *BucketLog2) AverageGet() uint64 {
	count := this.CountGet()
	if 0 == count {
		return 0
	}
	return this.TotalGet() / count
}

// DistGet returns the buckets up to and including the highest non-empty one.
func (this *BucketLog2) DistGet() (dist []BucketInfo) {
	last := -1
	for i := range this.statBuckets {
		if 0 != atomic.LoadUint64(&this.statBuckets[i]) {
			last = i
		}
	}

	dist = make([]BucketInfo, last+1)
	for i := range dist {
		dist[i].Count = atomic.LoadUint64(&this.statBuckets[i])
		dist[i].RangeLow, dist[i].RangeHigh = log2BucketRange(i)
	}

	return
}

func (this *BucketLog2) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}
