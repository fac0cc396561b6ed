package uuid

import (
	"testing"
	"time"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, goUUID.Nil, id1)
	require.NotEqual(t, goUUID.Nil, id2)
	require.NotEqual(t, id1, id2)
	require.EqualValues(t, 7, id1.Version())
}

// TestGeneratorIDsSortByMintTime pins the v7 property the stores rely on:
// IDs minted in different milliseconds compare in mint order.
func TestGeneratorIDsSortByMintTime(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	second, err := gen.NewID()
	require.NoError(t, err)
	require.Less(t, first.String(), second.String())
}

func TestGeneratorNewString(t *testing.T) {
	t.Parallel()

	s, err := New().NewString()
	require.NoError(t, err)
	_, err = goUUID.Parse(s)
	require.NoError(t, err)
}
