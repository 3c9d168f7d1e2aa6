package nats

import (
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestNats_Connect(t *testing.T) {
	connect := NewTestContainer(t)
	nc1, disconnect1, err := connect()
	require.NoError(t, err)
	require.NotNil(t, nc1)
	require.Equal(t, "CONNECTED", nc1.Status().String())

	nc2, disconnect2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)

	disconnect1()
	require.Equal(t, "CONNECTED", nc1.Status().String())
	disconnect2()
	require.Equal(t, "CLOSED", nc1.Status().String())

	nc3, disconnect3, err := connect()
	require.NoError(t, err)
	require.NotSame(t, nc1, nc3)
	require.Equal(t, "CONNECTED", nc3.Status().String())
	disconnect3()
}

func TestReuseConnection_DoubleRelease(t *testing.T) {
	var opened, closed int
	connect := ReuseConnection(func() (*natsgo.Conn, closeFunc, error) {
		opened++
		return &natsgo.Conn{}, func() { closed++ }, nil
	})

	nc1, release1, err := connect()
	require.NoError(t, err)
	nc2, release2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)
	require.Equal(t, 1, opened)

	release1()
	release1()
	require.Equal(t, 0, closed)

	release2()
	require.Equal(t, 1, closed)

	_, release3, err := connect()
	require.NoError(t, err)
	require.Equal(t, 2, opened)
	release3()
	require.Equal(t, 2, closed)
}
