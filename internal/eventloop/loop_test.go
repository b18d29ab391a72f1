package eventloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimersFireInDeadlineOrder(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	var order []string
	l.AddTimer(30*time.Millisecond, func() { order = append(order, "third") })
	l.AddTimer(10*time.Millisecond, func() { order = append(order, "first") })
	l.AddTimer(20*time.Millisecond, func() { order = append(order, "second") })
	l.AddTimer(35*time.Millisecond, func() { l.Quit() })

	require.NoError(t, l.Run())
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestAddDispatchesReadability(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := false
	require.NoError(t, l.Add(int(r.Fd()), In, func(fd int, cond Condition) bool {
		fired = true
		l.Quit()
		return true
	}))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.Run())
	require.True(t, fired)
}

func TestCallbackReturningFalseDeregisters(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	calls := 0
	require.NoError(t, l.Add(int(r.Fd()), In, func(fd int, cond Condition) bool {
		calls++
		l.Quit()
		return false
	}))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.Run())

	require.Equal(t, 1, calls)
	_, registered := l.callbacks[int(r.Fd())]
	require.False(t, registered)
}
