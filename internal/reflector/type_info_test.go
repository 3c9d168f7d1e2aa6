package reflector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct{ N int }

func TestNameOf(t *testing.T) {
	const want = "github.com/codewandler/aggflow/internal/reflector.sample"
	require.Equal(t, want, NameOf(sample{}))
	require.Equal(t, want, NameOf(&sample{}))
	require.Equal(t, want, NameFor[sample]())
	require.Equal(t, want, NameFor[*sample]())
	require.Equal(t, "int", NameOf(1))
	require.Equal(t, "", NameOf(nil))
}

func TestNew(t *testing.T) {
	a := &sample{N: 3}
	b := New(a)
	require.NotNil(t, b)
	require.NotSame(t, a, b)
	require.Equal(t, 0, b.N)
}
