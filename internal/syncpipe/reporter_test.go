package syncpipe

import (
	"io"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeWriteNoopWhenFdIsMinusOne(t *testing.T) {
	p := &Pipe{Fd: -1}
	assert.NoError(t, p.Write(42, ""))
}

func TestPipeWriteKeySelection(t *testing.T) {
	cases := []struct {
		name    string
		p       Pipe
		wantKey string
	}{
		{"default pid", Pipe{}, `"pid"`},
		{"exec exit_code", Pipe{Exec: true}, `"exit_code"`},
		{"api v1 data", Pipe{APIVersion: 1, Exec: true}, `"data"`},
	}
	for _, c := range cases {
		r, w, err := os.Pipe()
		require.NoError(t, err)
		c.p.Fd = int(w.Fd())

		require.NoError(t, c.p.Write(7, ""))
		require.NoError(t, w.Close())

		out, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Contains(t, string(out), c.wantKey, c.name)
		assert.Contains(t, string(out), "7", c.name)
	}
}

func TestPipeWriteIncludesMessage(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	p := &Pipe{Fd: int(w.Fd())}

	require.NoError(t, p.Write(1, "boom"))
	require.NoError(t, w.Close())

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"message": "boom"`)
}

func TestEscapeJSONString(t *testing.T) {
	assert.Equal(t, `hello`, escapeJSONString("hello"))
	assert.Equal(t, `\\`, escapeJSONString(`\`))
	assert.Equal(t, `\"`, escapeJSONString(`"`))
	assert.Equal(t, `\n`, escapeJSONString("\n"))
	assert.Equal(t, `\t`, escapeJSONString("\t"))
	assert.Equal(t, ``, escapeJSONString("\x01"))
}

func TestFromEnvUnset(t *testing.T) {
	fd, err := FromEnv("_OCI_SYNCPIPE", func(string) string { return "" })
	require.NoError(t, err)
	assert.Equal(t, -1, fd)
}

func TestFromEnvInvalidValue(t *testing.T) {
	_, err := FromEnv("_OCI_SYNCPIPE", func(string) string { return "not-a-number" })
	assert.Error(t, err)
}

func TestFromEnvParsesFd(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd, err := FromEnv("_OCI_SYNCPIPE", func(string) string { return strconv.Itoa(int(w.Fd())) })
	require.NoError(t, err)
	assert.Equal(t, int(w.Fd()), fd)
}
