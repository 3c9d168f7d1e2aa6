package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssert(t *testing.T) {
	mustBeTrue := True(true, "must be true")
	require.True(t, mustBeTrue.Eval())
	require.NoError(t, mustBeTrue.Check())
	require.Equal(t, "must be true", mustBeTrue.String())

	mustBeFalse := False(false, "must be false")
	require.True(t, mustBeFalse.Eval())
	require.NoError(t, mustBeFalse.Check())

	require.NoError(t, All(mustBeTrue, mustBeFalse).Check())

	err := All(mustBeTrue, That("foo", func() bool { return false })).Check()
	require.ErrorIs(t, err, ErrFailed)
	require.ErrorContains(t, err, "foo")

	require.Error(t, Not(mustBeTrue).Check())
	require.NoError(t, Assert(mustBeTrue)())
}

func TestAssert_Ordered(t *testing.T) {
	require.NoError(t, Positive(3, "amount").Check())
	require.ErrorIs(t, Positive(0, "amount").Check(), ErrFailed)

	require.NoError(t, AtLeast(10, 10, "balance").Check())
	err := AtLeast(5, 10, "balance").Check()
	require.ErrorContains(t, err, "balance >= 10")

	require.NoError(t, NotEmpty("x", "owner").Check())
	require.Error(t, NotEmpty("", "owner").Check())
}
