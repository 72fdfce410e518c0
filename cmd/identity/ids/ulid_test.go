package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewULID_OrderedWithinMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, err := NewULID(now)
	require.NoError(t, err)
	b, err := NewULID(now)
	require.NoError(t, err)

	require.Len(t, a, 26)
	require.Less(t, a, b)
}

func TestNewLocalID(t *testing.T) {
	t.Parallel()

	id, err := NewLocalID(time.Time{})
	require.NoError(t, err)
	require.True(t, IsLocal(id))
	require.False(t, IsLocal("42"))
}
