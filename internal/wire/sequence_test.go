package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsNewerWrapSafety(t *testing.T) {
	var a Sequence = math.MaxUint32
	require.True(t, IsNewer(a+1, a), "a+1 must be newer than a across the wrap")
	require.True(t, IsNewer(a, a-1), "a must be newer than a-1")
	require.False(t, IsNewer(a, a), "a sequence is never newer than itself")
}

func TestIsNewerOrdinary(t *testing.T) {
	require.True(t, IsNewer(Sequence(10), Sequence(5)))
	require.False(t, IsNewer(Sequence(5), Sequence(10)))
	require.True(t, IsNewerOrEqual(Sequence(5), Sequence(5)))
	require.False(t, IsNewerOrEqual(Sequence(4), Sequence(5)))
}

func TestMax(t *testing.T) {
	require.Equal(t, Sequence(10), Max(Sequence(10), Sequence(3)))
	require.Equal(t, Sequence(10), Max(Sequence(3), Sequence(10)))
}
