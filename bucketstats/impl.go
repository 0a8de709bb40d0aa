// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

var (
	totalType      = reflect.TypeOf(Total{})
	averageType    = reflect.TypeOf(Average{})
	gaugeType      = reflect.TypeOf(Gauge{})
	bucketLog2Type = reflect.TypeOf(BucketLog2{})
)

// register a set of statistics, where the statistics are one or more fields in
// the passed structure. Registering a name that is already registered replaces
// the previous group.
func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if ("" == pkgName) && ("" == statsGroupName) {
		panic(fmt.Sprintf("statistics group must have non-empty pkgName or statsGroupName"))
	}

	if (reflect.TypeOf(statsStruct).Kind() != reflect.Ptr) ||
		(reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct) {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsType := structAsType.Field(i).Type
		fieldAsValue := structAsValue.Field(i)

		if !isStatType(fieldAsType) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if "" == statNameValue.String() {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}

		_, ok := names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if nil == pkgNameToGroupName {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if nil == pkgNameToGroupName[pkgName] {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func isStatType(fieldAsType reflect.Type) bool {
	switch fieldAsType {
	case totalType, averageType, gaugeType, bucketLog2Type:
		return true
	default:
		return false
	}
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if nil != pkgNameToGroupName[pkgName] {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if 0 == len(pkgNameToGroupName[pkgName]) {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

type registeredGroup struct {
	pkgName        string
	statsGroupName string
	statsStruct    interface{}
}

// selectGroups returns the matching groups sorted by package then group name.
// The caller must hold statsNameMapLock.
func selectGroups(pkgName string, statsGroupName string) (groups []registeredGroup) {
	if "*" != pkgName {
		pkgName = scrubName(pkgName)
	}
	if "*" != statsGroupName {
		statsGroupName = scrubName(statsGroupName)
	}

	for pkg, groupMap := range pkgNameToGroupName {
		if ("*" != pkgName) && (pkg != pkgName) {
			continue
		}
		for group, statsStruct := range groupMap {
			if ("*" != statsGroupName) && (group != statsGroupName) {
				continue
			}
			groups = append(groups, registeredGroup{pkg, group, statsStruct})
		}
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].pkgName != groups[j].pkgName {
			return groups[i].pkgName < groups[j].pkgName
		}
		return groups[i].statsGroupName < groups[j].statsGroupName
	})

	return
}

// forEachStat calls fn for each statistic field of statsStruct in field order.
func forEachStat(statsStruct interface{}, fn func(statName string, stat interface{})) {
	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatType(structAsType.Field(i).Type) {
			continue
		}
		stat := structAsValue.Field(i).Addr().Interface()
		fn(structAsValue.Field(i).FieldByName("Name").String(), stat)
	}
}

func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	for _, group := range selectGroups(pkgName, statsGroupName) {
		forEachStat(group.statsStruct, func(statName string, stat interface{}) {
			switch v := stat.(type) {
			case *Total:
				statValues += v.sprint(stringFmt, group.pkgName, group.statsGroupName)
			case *Average:
				statValues += v.sprint(stringFmt, group.pkgName, group.statsGroupName)
			case *Gauge:
				statValues += v.sprint(stringFmt, group.pkgName, group.statsGroupName)
			case *BucketLog2:
				statValues += v.sprint(stringFmt, group.pkgName, group.statsGroupName)
			}
		})
	}

	return
}

func walk(fn func(pkgName string, statsGroupName string, statName string, stat interface{})) {
	statsNameMapLock.Lock()
	groups := selectGroups("*", "*")
	statsNameMapLock.Unlock()

	for _, group := range groups {
		forEachStat(group.statsStruct, func(statName string, stat interface{}) {
			fn(group.pkgName, group.statsGroupName, statName, stat)
		})
	}
}

func statFullName(pkgName string, statsGroupName string, statName string) string {
	switch {
	case "" == pkgName:
		return statsGroupName + "." + statName
	case "" == statsGroupName:
		return pkgName + "." + statName
	default:
		return pkgName + "." + statsGroupName + "." + statName
	}
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s total:%d\n", statFullName(pkgName, statsGroupName, this.Name), this.TotalGet())
}

func (this *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s avg:%d count:%d total:%d\n", statFullName(pkgName, statsGroupName, this.Name),
		this.AverageGet(), this.CountGet(), this.TotalGet())
}

func (this *Gauge) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s level:%d peak:%d\n", statFullName(pkgName, statsGroupName, this.Name),
		this.LevelGet(), this.PeakGet())
}

func (this *BucketLog2) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	var buckets strings.Builder

	for _, bucket := range this.DistGet() {
		if 0 != bucket.Count {
			fmt.Fprintf(&buckets, " %d:%d", bucket.RangeHigh, bucket.Count)
		}
	}

	return fmt.Sprintf("%s avg:%d count:%d total:%d%s\n", statFullName(pkgName, statsGroupName, this.Name),
		this.AverageGet(), this.CountGet(), this.TotalGet(), buckets.String())
}

// log2BucketRange returns the smallest and largest values mapped to bucket idx.
func log2BucketRange(idx int) (rangeLow uint64, rangeHigh uint64) {
	switch {
	case 0 == idx:
		return 0, 0
	case 64 == idx:
		return uint64(1) << 63, ^uint64(0)
	default:
		return uint64(1) << uint(idx-1), (uint64(1) << uint(idx)) - 1
	}
}

// scrubName replaces characters that are not allowed in names with '_'.
func scrubName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || ('"' == r) || ('*' == r) || (':' == r) {
			return '_'
		}
		return r
	}, name)
}
