// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/MrLinNing/SATNet/ml/data"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must already be set with default values in params.
// The default values are also used to set the type to which the string values are parsed.
//
// It updates params and returns the names of the parameters set, or an error in case a parameter
// is unknown or the parsing failed.
//
// An entry "file:<path>" reads the settings from a file, one or more per line. Lines starting
// with "#" are comments.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
func ParseSettings(params map[string]any, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params map[string]any, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath = data.ReplaceTildeInDir(filePath)
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				if paramsSet, err = parseSetting(params, s, paramsSet); err != nil {
					return paramsSet, err
				}
			}
		}
		return paramsSet, nil
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	name = strings.TrimSpace(name)
	value, found := params[name]
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q: unknown parameter, known parameters are %v",
			name, sortedKeys(params))
	}
	parsed, err := parseValue(value, strings.TrimSpace(valueStr))
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, name, value)
	}
	params[name] = parsed
	return append(paramsSet, name), nil
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (value any, err error) {
	switch v := defaultValue.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		list := make([]int, 0, strings.Count(valueStr, ",")+1)
		for _, part := range strings.Split(valueStr, ",") {
			var asInt int
			if err = json.Unmarshal([]byte(strings.ReplaceAll(part, "_", "")), &asInt); err != nil {
				break
			}
			list = append(list, asInt)
		}
		value = list
	default:
		err = errors.Errorf("don't know how to parse type %T", defaultValue)
	}
	return
}

func sortedKeys(params map[string]any) []string {
	return slices.Sorted(maps.Keys(params))
}

// SettingsUsage describes the settings format and the parameters that can be set, for a flag usage.
func SettingsUsage(params map[string]any) string {
	parts := []string{
		`Set model hyperparameters. It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like "file:settings.txt", with one or more settings per line ` +
			`and lines starting with "#" as comments. Parameters:`,
	}
	for _, key := range sortedKeys(params) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, params[key]))
	}
	return strings.Join(parts, "\n")
}

// SprintSettings pretty-prints the parameters, sorted by name.
func SprintSettings(params map[string]any) string {
	parts := make([]string, 0, len(params))
	for _, key := range sortedKeys(params) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, params[key], params[key]))
	}
	return strings.Join(parts, "\n")
}
