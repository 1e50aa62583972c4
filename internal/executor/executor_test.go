package executor_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manasgarg/plutoid-kernel/internal/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
}

func (r *recorder) stdoutFn(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdout = append(r.stdout, content)
}

func (r *recorder) stderrFn(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stderr = append(r.stderr, content)
}

func (r *recorder) all(kind *[]string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(*kind))
	copy(out, *kind)
	return out
}

func TestExecCodeEmitsStdoutPerPrint(t *testing.T) {
	r := &recorder{}
	e := executor.New(nil, 5, executor.WithStdout(r.stdoutFn), executor.WithStderr(r.stderrFn))
	defer e.Close()

	require.NoError(t, e.ExecCode(`print("message on stdout - 0"); print("message on stdout - 1")`))

	stdout := r.all(&r.stdout)
	require.Len(t, stdout, 2)
	assert.Equal(t, "message on stdout - 0\n", stdout[0])
	assert.Equal(t, "message on stdout - 1\n", stdout[1])
}

func TestExecCodeWriteEmitsWithoutTrailingNewline(t *testing.T) {
	r := &recorder{}
	e := executor.New(nil, 5, executor.WithStdout(r.stdoutFn), executor.WithStderr(r.stderrFn))
	defer e.Close()

	require.NoError(t, e.ExecCode(`write("hello, world"); write_err("hello, world")`))

	stdout := r.all(&r.stdout)
	stderr := r.all(&r.stderr)
	require.Equal(t, []string{"hello, world"}, stdout)
	require.Equal(t, []string{"hello, world"}, stderr)
}

func TestExecCodeSessionPersistence(t *testing.T) {
	r := &recorder{}
	e := executor.New(nil, 5, executor.WithStdout(r.stdoutFn))
	defer e.Close()

	require.NoError(t, e.ExecCode(`i = 2`))
	require.NoError(t, e.ExecCode(`print(i)`))

	stdout := r.all(&r.stdout)
	require.Len(t, stdout, 1)
	assert.Equal(t, "2\n", stdout[0])
}

func TestExecCodeInputRoundTrip(t *testing.T) {
	r := &recorder{}
	inputFn := func(prompt string) string {
		assert.Equal(t, "Enter something: ", prompt)
		return "xyz"
	}
	e := executor.New(inputFn, 5, executor.WithStdout(r.stdoutFn))
	defer e.Close()

	require.NoError(t, e.ExecCode(`print(input("Enter something: "))`))

	stdout := r.all(&r.stdout)
	require.Len(t, stdout, 1)
	assert.Equal(t, "xyz\n", stdout[0])
}

func TestExecCodeTimeoutEmitsStandardizedLine(t *testing.T) {
	r := &recorder{}
	e := executor.New(nil, 1, executor.WithStderr(r.stderrFn))
	defer e.Close()

	require.NoError(t, e.ExecCode(`while true do end`))

	stderr := r.all(&r.stderr)
	require.Len(t, stderr, 1)
	assert.Equal(t, "Code is executing for too long (>1 secs). Quota over.\n", stderr[0])
}

func TestExecCodeUncaughtErrorProducesTraceback(t *testing.T) {
	r := &recorder{}
	e := executor.New(nil, 5, executor.WithStderr(r.stderrFn))
	defer e.Close()

	require.NoError(t, e.ExecCode(`prin(10)`))

	stderr := r.all(&r.stderr)
	require.Len(t, stderr, 1)
	assert.True(t, strings.Contains(stderr[0], "Traceback"))
}

func TestExecCodeGraphicsCallback(t *testing.T) {
	var gotMimetype string
	var gotData []byte
	e := executor.New(nil, 5, executor.WithGraphics(func(mimetype string, data []byte) {
		gotMimetype = mimetype
		gotData = data
	}))
	defer e.Close()

	require.NoError(t, e.ExecCode(`plot("image/png", "fakepngbytes")`))

	assert.Equal(t, "image/png", gotMimetype)
	assert.Equal(t, "fakepngbytes", string(gotData))
}

func TestExecCodeWithinTimeBudgetReturnsPromptly(t *testing.T) {
	e := executor.New(nil, 5)
	defer e.Close()

	start := time.Now()
	require.NoError(t, e.ExecCode(`x = 1 + 1`))
	assert.Less(t, time.Since(start), 2*time.Second)
}
