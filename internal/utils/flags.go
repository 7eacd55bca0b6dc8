package utils

import (
	"fmt"
	"math/bits"
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping renders bit-flag values as "|"-separated lists of registered names
type FlagStringMapping[T constraints.Integer] struct {
	names map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

// Register assigns a name to a single flag bit. It should only be called from init functions.
func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

// FlagsToString lists the names of every bit set in value. Bits without a registered name are
// rendered as hex.
func (m FlagStringMapping[T]) FlagsToString(value T) string {
	if value == 0 {
		return "None"
	}

	var sb strings.Builder
	remaining := uint64(value)
	for remaining != 0 {
		bit := uint64(1) << bits.TrailingZeros64(remaining)
		remaining &^= bit

		if sb.Len() > 0 {
			sb.WriteRune('|')
		}

		name, ok := m.names[T(bit)]
		if ok {
			sb.WriteString(name)
		} else {
			sb.WriteString(fmt.Sprintf("UNKNOWN FLAG %#x", bit))
		}
	}

	return sb.String()
}
