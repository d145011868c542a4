package process

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chunkRecorder records every Write call as a separate chunk.
type chunkRecorder struct {
	m      sync.Mutex
	chunks []string
}

func (r *chunkRecorder) Write(p []byte) (int, error) {
	r.m.Lock()
	defer r.m.Unlock()
	r.chunks = append(r.chunks, string(p))
	return len(p), nil
}

func (r *chunkRecorder) String() string {
	r.m.Lock()
	defer r.m.Unlock()
	return strings.Join(r.chunks, "")
}

func writeScript(t *testing.T, contents string) Command {
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0755))
	return Command{Program: "sh", Args: []string{path}}
}

// newTestBridge gives commands /dev/null as stdin. It is an *os.File, so exec hands the fd to each child
// instead of copying from it in a goroutine, and it can be shared by every Start.
func newTestBridge(t *testing.T, stderr io.Writer) *Bridge {
	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	t.Cleanup(func() { devNull.Close() })
	return &Bridge{
		Log:    zap.NewNop().Sugar(),
		Stderr: stderr,
		Stdin:  devNull,
		Stdout: io.Discard,
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		expCmd Command
		expErr error
	}{
		{
			name:   "program only",
			input:  "tsc",
			expCmd: Command{Program: "tsc", Args: []string{}},
		},
		{
			name:   "program and args",
			input:  "tsc --watch --noEmit",
			expCmd: Command{Program: "tsc", Args: []string{"--watch", "--noEmit"}},
		},
		{
			name:   "extra whitespace",
			input:  "  go\tbuild   ./...  ",
			expCmd: Command{Program: "go", Args: []string{"build", "./..."}},
		},
		{
			name:   "empty",
			input:  "",
			expErr: ErrEmptyCommand,
		},
		{
			name:   "blank",
			input:  " \t ",
			expErr: ErrEmptyCommand,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cmd, err := ParseCommand(c.input)
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expCmd, cmd)
		})
	}
}

func TestCommandString(t *testing.T) {
	cmd, err := ParseCommand("  webpack   --watch ")
	require.NoError(t, err)
	assert.Equal(t, "webpack --watch", cmd.String())
}

func TestBridgeForwardsOnlyStderr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout bytes.Buffer
	stderr := &chunkRecorder{}
	b := newTestBridge(t, stderr)
	b.Stdout = &stdout

	p, err := b.Start(writeScript(t, "printf out\nprintf err 1>&2\nexit 3\n"))
	require.NoError(t, err)
	assert.NotZero(t, p.Pid())

	res, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out", stdout.String())
	assert.Equal(t, "err", stderr.String())
}

func TestBridgePreservesChunkOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stderr := &chunkRecorder{}
	b := newTestBridge(t, stderr)

	p, err := b.Start(writeScript(t, "printf 'a\\n' 1>&2\nsleep 0.1\nprintf 'b\\n' 1>&2\nsleep 0.1\nprintf 'c\\n' 1>&2\n"))
	require.NoError(t, err)
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "a\nb\nc\n", stderr.String())
}

func TestBridgeSilentCommandWritesNothing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stderr := &chunkRecorder{}
	b := newTestBridge(t, stderr)

	loud, err := b.Start(writeScript(t, "printf 'x\\n' 1>&2\nprintf 'y\\n' 1>&2\n"))
	require.NoError(t, err)
	silent, err := b.Start(writeScript(t, "printf 'stdout only\\n'\n"))
	require.NoError(t, err)

	_, err = loud.Wait(ctx)
	require.NoError(t, err)
	_, err = silent.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, "x\ny\n", stderr.String())
}

func TestBridgeCommandsReadingStdin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stderr := &chunkRecorder{}
	b := newTestBridge(t, stderr)

	var procs []*Process
	for i := 0; i < 3; i++ {
		p, err := b.Start(writeScript(t, "cat >/dev/null\nprintf 'read\\n' 1>&2\n"))
		require.NoError(t, err)
		procs = append(procs, p)
	}
	for _, p := range procs {
		res, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
	}
	assert.Equal(t, "read\nread\nread\n", stderr.String())
}

func TestBridgeStartError(t *testing.T) {
	b := newTestBridge(t, &chunkRecorder{})

	_, err := b.Start(Command{Program: "errorcast-no-such-program"})
	assert.ErrorContains(t, err, `starting "errorcast-no-such-program"`)
}

func TestProcessWaitContext(t *testing.T) {
	b := newTestBridge(t, &chunkRecorder{})

	p, err := b.Start(Command{Program: "sleep", Args: []string{"10"}})
	require.NoError(t, err)
	t.Cleanup(func() { p.cmd.Process.Kill() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
