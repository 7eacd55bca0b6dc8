package thin_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/thinbox/thin"
)

func TestOption(t *testing.T) {
	some := thin.Some(3)
	value, ok := some.Get()
	require.True(t, ok)
	require.Equal(t, 3, value)
	require.Equal(t, 3, some.Unwrap())
	require.Equal(t, 3, some.UnwrapOr(7))
	require.Equal(t, "Some(3)", some.String())

	none := thin.None[int]()
	_, ok = none.Get()
	require.False(t, ok)
	require.True(t, none.IsNone())
	require.Equal(t, 7, none.UnwrapOr(7))
	require.Equal(t, "None", fmt.Sprint(none))
	require.Panics(t, func() { none.Unwrap() })

	var zero thin.Option[string]
	require.True(t, zero.IsNone())
}
