package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinbox/internal/utils"
)

type testFlags int32

func TestFlagStringMapping(t *testing.T) {
	mapping := utils.NewFlagStringMapping[testFlags]()
	mapping.Register(1, "First")
	mapping.Register(4, "Third")

	require.Equal(t, "None", mapping.FlagsToString(0))
	require.Equal(t, "First", mapping.FlagsToString(1))
	require.Equal(t, "First|Third", mapping.FlagsToString(5))
	require.Equal(t, "First|UNKNOWN FLAG 0x2", mapping.FlagsToString(3))
}

func TestOptionalMutexDisabled(t *testing.T) {
	var m utils.OptionalMutex
	m.Lock()
	m.Lock()
	m.Unlock()

	m.UseMutex = true
	m.Lock()
	require.False(t, m.Mutex.TryLock())
	m.Unlock()
	require.True(t, m.Mutex.TryLock())
}
