// Package snowflake implements Discord's 64-bit time-sortable identifiers.
package snowflake

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Epoch is the first millisecond of 2015, the zero point of Discord snowflakes.
const Epoch int64 = 1420070400000

const timestampShift = 22

// ID is a snowflake. The zero value means "no id".
type ID uint64

// Max is the largest representable snowflake.
const Max ID = ^ID(0)

// Parse reads a decimal snowflake.
func Parse(s string) (ID, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("snowflake: empty id")
	}
	v, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("snowflake: parse %q: %w", s, err)
	}
	return ID(v), nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromTime returns the smallest id that could have been minted at t.
func FromTime(t time.Time) ID {
	ms := t.UnixMilli() - Epoch
	if ms < 0 {
		return 0
	}
	return ID(uint64(ms) << timestampShift)
}

func (id ID) IsZero() bool { return id == 0 }

// Time is the creation instant encoded in the id.
func (id ID) Time() time.Time {
	ms := int64(uint64(id)>>timestampShift) + Epoch
	return time.UnixMilli(ms).UTC()
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Compare returns -1, 0 or +1.
func (id ID) Compare(other ID) int {
	switch {
	case id < other:
		return -1
	case id > other:
		return 1
	default:
		return 0
	}
}

func (id ID) Less(other ID) bool { return id < other }

// MarshalJSON encodes the id as a decimal string, matching the Discord API.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts quoted or bare decimal ids and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*id = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalText supports ids as map keys and in yaml.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = 0
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
