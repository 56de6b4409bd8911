package memutils

import (
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping converts bitmask flag values into pipe-delimited strings
// for logging and diagnostics. Register each flag bit once, at init time.
type FlagStringMapping[T constraints.Integer] struct {
	flags []T
	names map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{
		names: make(map[T]string),
	}
}

// Register associates a single flag bit with a name.
func (m *FlagStringMapping[T]) Register(flag T, name string) {
	m.flags = append(m.flags, flag)
	m.names[flag] = name
}

// FlagsToString returns the names of every registered bit set in value,
// joined with "|", or "None" when no registered bits are set.
func (m FlagStringMapping[T]) FlagsToString(value T) string {
	var parts []string
	for _, flag := range m.flags {
		if value&flag != 0 {
			parts = append(parts, m.names[flag])
		}
	}

	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}
