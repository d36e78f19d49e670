// Copyright 2025 Arcade Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package duration

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

var (
	// longUnitRegex matches the units time.ParseDuration lacks, e.g. "3d", "1w"
	longUnitRegex = regexp.MustCompile(`^(\d+)([dw])$`)

	// ErrInvalidFormat indicates an invalid duration format
	ErrInvalidFormat = errors.New("invalid duration format")
	// ErrNegative indicates a duration below zero
	ErrNegative = errors.New("negative duration")
)

// Parse parses a duration string and returns time.Duration.
// Everything time.ParseDuration accepts is supported, plus whole days and
// weeks:
//   - "1m30s" -> 90 seconds
//   - "250ms" -> 250 milliseconds
//   - "3d"    -> 72 hours
//   - "1w"    -> 168 hours
//
// Negative durations are rejected.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidFormat
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("%w: %s", ErrNegative, s)
		}
		return d, nil
	}

	matches := longUnitRegex.FindStringSubmatch(s)
	if len(matches) != 3 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFormat, s)
	}
	value, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFormat, s)
	}

	unit := Day
	if matches[2] == "w" {
		unit = Week
	}
	return time.Duration(value) * unit, nil
}

// MustParse parses a duration string and panics if parsing fails
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("duration: parse error: %v", err))
	}
	return d
}

// Format is the inverse of Parse for the values it produces. Whole weeks and
// days use the long units, everything else time.Duration.String.
func Format(d time.Duration) string {
	switch {
	case d <= 0:
		return d.String()
	case d%Week == 0:
		return strconv.FormatInt(int64(d/Week), 10) + "w"
	case d%Day == 0:
		return strconv.FormatInt(int64(d/Day), 10) + "d"
	default:
		return d.String()
	}
}
