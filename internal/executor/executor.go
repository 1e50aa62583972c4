// Package executor implements the Executor Facade: an opaque handle around
// an embedded interpreter that runs a program string, emits side-effect
// events on registered callbacks, and may call back synchronously mid-run
// to request input. The embedded interpreter is gopher-lua, a pure-Go
// scripting VM.
package executor

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// StdoutFunc, StderrFunc and GraphicsFunc are the three side-effect
// channels named in spec §4.2. They are registered once at construction
// time rather than through a global pub/sub bus (spec §9's redesign note).
type StdoutFunc func(content string)
type StderrFunc func(content string)
type GraphicsFunc func(mimetype string, content []byte)

// InputFunc is called synchronously, on the goroutine running the
// program, whenever the guest program requests input. It must not be
// called concurrently with itself — the interpreter is single-threaded by
// construction, so this holds automatically.
type InputFunc func(prompt string) string

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithStdout registers the stdout side-effect callback.
func WithStdout(fn StdoutFunc) Option { return func(e *Executor) { e.onStdout = fn } }

// WithStderr registers the stderr side-effect callback.
func WithStderr(fn StderrFunc) Option { return func(e *Executor) { e.onStderr = fn } }

// WithGraphics registers the matplotlib-equivalent rendered-figure callback.
func WithGraphics(fn GraphicsFunc) Option { return func(e *Executor) { e.onGraphics = fn } }

// Executor is the embedded-interpreter facade. Not safe for concurrent
// ExecCode calls — the Control Loop that owns it runs single-threaded
// (spec §5), so this is never an issue in practice.
type Executor struct {
	state          *lua.LState
	inputFn        InputFunc
	maxWallSeconds int

	onStdout   StdoutFunc
	onStderr   StderrFunc
	onGraphics GraphicsFunc
}

// New constructs an Executor. inputFn supplies input() responses;
// maxWallSeconds bounds every single ExecCode call.
func New(inputFn InputFunc, maxWallSeconds int, opts ...Option) *Executor {
	e := &Executor{
		state:          lua.NewState(),
		inputFn:        inputFn,
		maxWallSeconds: maxWallSeconds,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerGlobals()
	return e
}

// Close releases the underlying interpreter state.
func (e *Executor) Close() {
	e.state.Close()
}

func (e *Executor) registerGlobals() {
	e.state.SetGlobal("print", e.state.NewFunction(e.luaPrint))
	e.state.SetGlobal("write", e.state.NewFunction(e.luaWrite))
	e.state.SetGlobal("write_err", e.state.NewFunction(e.luaWriteErr))
	e.state.SetGlobal("input", e.state.NewFunction(e.luaInput))
	e.state.SetGlobal("plot", e.state.NewFunction(e.luaPlot))
}

// luaPrint overrides Lua's built-in print to route through the stdout
// side-effect channel instead of the process's real stdout, concatenating
// arguments with a tab exactly as Lua's print does and appending the
// trailing newline the chunk-flush protocol keys off of.
func (e *Executor) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	var content string
	for i := 1; i <= n; i++ {
		if i > 1 {
			content += "\t"
		}
		content += lua.LVAsString(L.Get(i))
	}
	content += "\n"
	if e.onStdout != nil {
		e.onStdout(content)
	}
	return 0
}

// luaWrite implements the write(content) global: a raw stdout emission
// with no implicit trailing newline, the counterpart to print's forced
// newline. This is the only way guest code leaves a non-newline-terminated
// prefix in the chunk buffer for the completion envelope to carry.
func (e *Executor) luaWrite(L *lua.LState) int {
	content := L.CheckString(1)
	if e.onStdout != nil {
		e.onStdout(content)
	}
	return 0
}

// luaWriteErr is write's stderr counterpart.
func (e *Executor) luaWriteErr(L *lua.LState) int {
	content := L.CheckString(1)
	if e.onStderr != nil {
		e.onStderr(content)
	}
	return 0
}

// luaInput implements the input(prompt) global, blocking the calling
// goroutine (the only goroutine running guest code) until inputFn returns.
func (e *Executor) luaInput(L *lua.LState) int {
	prompt := L.OptString(1, "")
	var response string
	if e.inputFn != nil {
		response = e.inputFn(prompt)
	}
	L.Push(lua.LString(response))
	return 1
}

// luaPlot implements the plot(mimetype, data) global, raising the
// graphics callback once per call — the wire message type stays
// matplotlib_drawing regardless of guest language (spec §6.2).
func (e *Executor) luaPlot(L *lua.LState) int {
	mimetype := L.CheckString(1)
	data := L.CheckString(2)
	if e.onGraphics != nil {
		e.onGraphics(mimetype, []byte(data))
	}
	return 0
}

// timeoutMessage is the standardized line spec §4.2 requires verbatim on
// wall-clock overrun, with N substituted for the configured limit.
func timeoutMessage(maxWallSeconds int) string {
	return fmt.Sprintf("Code is executing for too long (>%d secs). Quota over.\n", maxWallSeconds)
}

// ExecCode compiles and runs source on the held interpreter state, so
// globals set by one call are visible to the next (session-mode
// persistence, spec §8 scenario 8). It runs the program on a dedicated
// goroutine raced against the configured wall-clock limit; on overrun it
// cancels the interpreter's context and emits the standardized stderr
// line. Uncaught Lua errors are recovered and reported as a
// traceback-shaped stderr event; ExecCode itself never returns an error
// for guest-program failures, only for facade-level problems.
func (e *Executor) ExecCode(source string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.maxWallSeconds)*time.Second)
	defer cancel()
	e.state.SetContext(ctx)

	done := make(chan error, 1)
	go func() {
		done <- e.state.DoString(source)
	}()

	select {
	case err := <-done:
		if err != nil {
			e.reportGuestError(err)
		}
		return nil
	case <-ctx.Done():
		if e.onStderr != nil {
			e.onStderr(timeoutMessage(e.maxWallSeconds))
		}
		// Let the goroutine drain in the background; the interpreter's
		// instruction-count hook observes the cancelled context and
		// unwinds on its own next check.
		go func() { <-done }()
		return nil
	}
}

// reportGuestError formats an uncaught Lua error as a traceback-shaped
// stderr event, so callers can grep for "Traceback" the same way they
// would against a CPython stderr stream.
func (e *Executor) reportGuestError(err error) {
	if e.onStderr == nil {
		return
	}
	traceback := fmt.Sprintf("Traceback (most recent call last):\n%s\n", err.Error())
	e.onStderr(traceback)
}
