// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf parses .INI-style configuration files and
// "Section.Option=value" override strings into a ConfMap.
//
// A .conf file typically looks like:
//
//   [WriteDaemon]
//   WorkerPoolSize:        4
//   ThrottlePause =        10ms      # comment to end of line
//
//   ; a comment on its own line
//   [Logging]
//   TraceLevelLogging:     arccache txnlock
//
//   .include ./common.conf
//
// Options may carry zero or more values separated by whitespace or commas.
package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ConfMap is accessed via confMap[section_name][option_name][option_value_index] or via the methods below
type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

const (
	assignment = "([ \t]*[=:][ \t]*)"
	separator  = "([ \t]+|([ \t]*,[ \t]*))"
	token      = "([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)"
)

var (
	stringRE          = regexp.MustCompile("\\A" + token + "\\." + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
	sectionHeaderRE   = regexp.MustCompile("\\A\\[([0-9A-Za-z_\\-/:\\.]+)\\]\\z")
	optionLineRE      = regexp.MustCompile("\\A" + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
	includeLineRE     = regexp.MustCompile("\\A\\.include[ \t]+" + token + "\\z")
	assignmentRE      = regexp.MustCompile(assignment)
	valueSeparatorRE  = regexp.MustCompile(separator)
	whiteSpaceSplitRE = regexp.MustCompile("[ \t]+")
)

// MakeConfMap returns a newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("error building confMap from conf strings: %v", err)
	}
	return
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	trimmed := strings.Trim(confString, " \t")

	if 0 == len(trimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}
	if !stringRE.MatchString(trimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionNameOptionPayload := strings.SplitN(trimmed, ".", 2)
	optionNameOptionValues := assignmentRE.Split(sectionNameOptionPayload[1], 2)

	confMap.set(sectionNameOptionPayload[0], optionNameOptionValues[0], optionNameOptionValues[1])

	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on updates
// specified in confStrings
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in
// confFilePath ("-" means stdin)
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFileBytes      []byte
		currentLine        string
		currentLineNumber  int
		currentSectionName string
		nestedConfFilePath string
		optionNameValues   []string
	)

	if "-" == confFilePath {
		confFileBytes, err = ioutil.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = ioutil.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	scanner := bufio.NewScanner(bytes.NewReader(confFileBytes))

	for scanner.Scan() {
		currentLineNumber++

		currentLine = strings.SplitN(scanner.Text(), ";", 2)[0]
		currentLine = strings.SplitN(currentLine, "#", 2)[0]
		currentLine = strings.Trim(currentLine, " \t\r")

		if 0 == len(currentLine) {
			continue
		}

		switch {
		case includeLineRE.MatchString(currentLine):
			nestedConfFilePath = whiteSpaceSplitRE.Split(currentLine, 2)[1]
			if !filepath.IsAbs(nestedConfFilePath) {
				nestedConfFilePath = filepath.Join(filepath.Dir(confFilePath), nestedConfFilePath)
			}
			err = confMap.UpdateFromFile(nestedConfFilePath)
			if nil != err {
				return
			}
			currentSectionName = ""
		case sectionHeaderRE.MatchString(currentLine):
			currentSectionName = sectionHeaderRE.FindStringSubmatch(currentLine)[1]
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v line %v: option outside of any section", confFilePath, currentLineNumber)
				return
			}
			if !optionLineRE.MatchString(currentLine) {
				err = fmt.Errorf("file %v line %v: malformed line '%v'", confFilePath, currentLineNumber, currentLine)
				return
			}
			optionNameValues = assignmentRE.Split(currentLine, 2)
			confMap.set(currentSectionName, optionNameValues[0], optionNameValues[1])
		}
	}

	err = scanner.Err()

	return
}

func (confMap ConfMap) set(sectionName string, optionName string, optionValues string) {
	optionValuesSplit := valueSeparatorRE.Split(optionValues, -1)
	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		optionValuesSplit = []string{}
	}

	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValuesSplit
}

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("[%v]%v: couldn't interpret %q as boolean", sectionName, optionName, optionValueString)
	}

	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueUint64, err := confMap.fetchOptionValueUint(sectionName, optionName, 32)
	if nil != err {
		return
	}

	optionValue = uint32(optionValueUint64)

	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValue, err = confMap.fetchOptionValueUint(sectionName, optionName, 64)
	return
}

func (confMap ConfMap) fetchOptionValueUint(sectionName string, optionName string, bitSize int) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 10, bitSize)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueFloat64 returns [sectionName]optionName's single string value converted to a float64
func (confMap ConfMap) FetchOptionValueFloat64(sectionName string, optionName string) (optionValue float64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseFloat(optionValueString, 64)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueDuration returns [sectionName]optionName's single string value converted to a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
		return
	}

	if 0 > optionValue {
		err = fmt.Errorf("[%v]%v is negative", sectionName, optionName)
	}

	return
}

// Dump returns the ConfMap in "Section.Option=value" form, one per line, sorted.
func (confMap ConfMap) Dump() (dump string) {
	var lines []string

	for sectionName, section := range confMap {
		for optionName, option := range section {
			lines = append(lines, fmt.Sprintf("%s.%s=%s", sectionName, optionName, strings.Join(option, ",")))
		}
	}

	sort.Strings(lines)

	dump = strings.Join(lines, "\n")

	return
}
