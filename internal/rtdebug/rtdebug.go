// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package rtdebug configures runtime-tunable debug/compatibility
// parameters via the MCPTRANSPORTDEBUG environment variable, for knobs
// that aren't worth a full Config field but are useful to flip during
// incident response or local debugging — e.g. forcing a slower poll
// quantum to reproduce a timing-sensitive bug.
//
// The value is a comma-separated list of key=value pairs, e.g.
// MCPTRANSPORTDEBUG=pollquantumms=500,verboselog=1
package rtdebug

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const envKey = "MCPTRANSPORTDEBUG"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(envKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of a debug parameter, or "" if unset.
func Value(key string) string {
	return params[key]
}

// IntValue returns a debug parameter parsed as an int, or def if unset
// or unparseable.
func IntValue(key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parse(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", envKey, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
