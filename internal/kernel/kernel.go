// Package kernel implements the Control Loop (spec §4.4): the message
// dispatcher and deadline enforcer that is the one place deciding which
// message types are admissible in which mode and which deadlines apply. It
// owns the Message I/O Adapter, the Executor Facade, and Kernel State, and
// drives all three from a single goroutine, built around functional
// options, a single Start entrypoint, and slog logging throughout.
package kernel

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"time"

	"github.com/manasgarg/plutoid-kernel/internal/audit"
	"github.com/manasgarg/plutoid-kernel/internal/broker"
	"github.com/manasgarg/plutoid-kernel/internal/config"
	"github.com/manasgarg/plutoid-kernel/internal/envelope"
	"github.com/manasgarg/plutoid-kernel/internal/executor"
	"github.com/manasgarg/plutoid-kernel/internal/kernelstate"
)

// Status values reported to an optional StatusReporter.
const (
	StatusIdle          = "idle"
	StatusExecuting     = "executing"
	StatusAwaitingInput = "awaiting_input"
)

// Snapshot is a point-in-time status report, pushed to an optional
// registry after every state transition the KernelState invariants track.
type Snapshot struct {
	KernelID       string
	SessionMode    bool
	Status         string
	LastPingAt     time.Time
	ExecutionCount int
}

// StatusReporter is the kernel-side view of the registry reporting client
// (internal/registry/reporter). Report must never block the control loop
// for long or be allowed to fail the loop — the Kernel enforces both with
// a bounded timeout and by discarding any error.
type StatusReporter interface {
	Report(ctx context.Context, snap Snapshot) error
}

// reporterTimeout bounds every Report call so an unreachable registry can
// never stall the control loop (spec §5's single-thread guarantee).
const reporterTimeout = 200 * time.Millisecond

// defaultTick is the broker fetch timeout per polling cycle (spec §4.4.2,
// §5's "Suspension points").
const defaultTick = 2 * time.Second

// Kernel is the Control Loop. Not safe for concurrent use — by design it
// runs on a single goroutine (spec §5).
type Kernel struct {
	cfg      *config.Config
	logger   *slog.Logger
	broker   broker.Broker
	executor *executor.Executor
	state    *kernelstate.State

	reporter    StatusReporter
	auditLogger *audit.Logger

	tick           time.Duration
	exit           func(code int)
	executionCount int
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithReporter registers an optional registry status reporter.
func WithReporter(r StatusReporter) Option {
	return func(k *Kernel) { k.reporter = r }
}

// WithAuditLogger registers an optional hash-chained execution audit log.
func WithAuditLogger(l *audit.Logger) Option {
	return func(k *Kernel) { k.auditLogger = l }
}

// WithTick overrides the default 2-second broker fetch timeout per
// polling cycle. Mainly useful in tests.
func WithTick(d time.Duration) Option {
	return func(k *Kernel) { k.tick = d }
}

// WithExitFunc overrides how the Kernel terminates the process, so tests
// can observe a shutdown without actually exiting.
func WithExitFunc(fn func(code int)) Option {
	return func(k *Kernel) { k.exit = fn }
}

// New constructs a Kernel around cfg and b. The embedded executor is built
// here, with its stdout/stderr/graphics callbacks bound to the Kernel's own
// publish handlers, per spec §9's "direct callback registered at Executor
// construction time" redesign note.
func New(cfg *config.Config, logger *slog.Logger, b broker.Broker, opts ...Option) *Kernel {
	k := &Kernel{
		cfg:    cfg,
		logger: logger,
		broker: b,
		state:  kernelstate.New(cfg.KernelID),
		tick:   defaultTick,
		exit:   os.Exit,
	}
	k.executor = executor.New(k.fetchInput, cfg.MaxCodeExecutionTime,
		executor.WithStdout(k.onStdout),
		executor.WithStderr(k.onStderr),
		executor.WithGraphics(k.onGraphics),
	)
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Close releases the embedded executor's interpreter state.
func (k *Kernel) Close() {
	k.executor.Close()
}

// topLevelAdmissible is the message-type set accepted outside an input
// wait: ping_request is always admissible regardless of this set (spec
// §4.4.3); shutdown is always admissible too and is checked directly
// rather than listed here.
var topLevelAdmissible = map[string]bool{
	envelope.TypeCodeExecution: true,
}

// inputWaitAdmissible is the restricted set used while fetchInput is
// blocking a running program (spec §4.4.7).
var inputWaitAdmissible = map[string]bool{
	envelope.TypeInputResponse: true,
}

// Start runs the Control Loop in top-level mode (spec §4.4.2) until a
// shutdown message, a ping-liveness timeout, or a fatal broker error ends
// the process via the Kernel's exit func.
func (k *Kernel) Start(ctx context.Context) {
	k.logger.Info("kernel starting",
		slog.String("kernel_id", k.cfg.KernelID),
		slog.Bool("session_mode", k.cfg.SessionMode),
		slog.Int("ping_interval", k.cfg.PingInterval),
	)
	k.report(ctx)
	k.fetchAndProcessMessages(ctx, topLevelAdmissible, "", 0)
}

// fetchAndProcessMessages is the single re-entrant polling-cycle function
// spec §9 asks for: used both for the top-level mode and, recursively
// exactly once, for input-wait (spec §4.4.7). admissible is the
// restricted set of non-ping message types accepted in this mode;
// awaitedType, if non-empty, is the type whose arrival ends this call;
// deadline, if non-zero, is the wall-clock budget for this call.
//
// Returns true if the loop ended because the awaited type was satisfied
// or a shutdown/fatal condition terminated the process; false if it ended
// because deadline elapsed with nothing satisfying it or ctx was cancelled.
func (k *Kernel) fetchAndProcessMessages(ctx context.Context, admissible map[string]bool, awaitedType string, deadline time.Duration) bool {
	start := time.Now()

	for {
		if ctx.Err() != nil {
			return false
		}

		msgs, err := k.broker.GetMessages(ctx, k.cfg.KernelID, k.tick)
		if err != nil {
			k.logger.Error("broker fetch failed, terminating", slog.Any("error", err))
			k.exit(1)
			return true
		}

		var pingBatch, otherBatch []envelope.Envelope
		for _, m := range msgs {
			env, decodeErr := envelope.Decode(m.Payload)

			if ackErr := k.broker.Ack(ctx, m.SystemID); ackErr != nil {
				k.logger.Error("broker ack failed, terminating", slog.Any("error", ackErr))
				k.exit(1)
				return true
			}

			if decodeErr != nil || !env.Validate() {
				k.logger.Warn("dropping malformed envelope", slog.Any("decode_error", decodeErr))
				continue
			}

			if env.Header.MsgType == envelope.TypePingRequest {
				pingBatch = append(pingBatch, env)
			} else {
				otherBatch = append(otherBatch, env)
			}
		}

		satisfied := false

		for _, env := range pingBatch {
			k.handlePing(ctx, env)
		}

		for _, env := range otherBatch {
			if env.Header.MsgType != envelope.TypeShutdown && !admissible[env.Header.MsgType] {
				k.logger.Warn("dropping inadmissible message type", slog.String("msg_type", env.Header.MsgType))
				continue
			}

			switch env.Header.MsgType {
			case envelope.TypeCodeExecution:
				if k.handleCodeExecution(ctx, env) {
					return true
				}
			case envelope.TypeInputResponse:
				k.handleInputResponse(env)
			case envelope.TypeShutdown:
				k.logger.Info("shutdown message received, terminating")
				k.exit(0)
				return true
			default:
				k.logger.Warn("dropping unknown message type", slog.String("msg_type", env.Header.MsgType))
			}

			if env.Header.MsgType == awaitedType {
				satisfied = true
			}
		}

		if k.validatePingTimeout() {
			return true
		}

		if satisfied {
			return true
		}
		if deadline > 0 && time.Since(start) > deadline {
			return false
		}
	}
}

// validatePingTimeout shuts the kernel down if more than 2*ping_interval
// has elapsed since the last observed ping_request (spec §4.4.4). Returns
// true if it terminated the process.
func (k *Kernel) validatePingTimeout() bool {
	limit := time.Duration(2*k.cfg.PingInterval) * time.Second
	if time.Since(k.state.LastPingAt) <= limit {
		return false
	}
	k.logger.Error("ping liveness timeout, terminating",
		slog.Duration("since_last_ping", time.Since(k.state.LastPingAt)),
		slog.Duration("limit", limit),
	)
	k.exit(1)
	return true
}

// handlePing implements spec §4.4.5.
func (k *Kernel) handlePing(ctx context.Context, env envelope.Envelope) {
	reversePath, ok := env.StringField("reverse_path")
	if !ok {
		k.logger.Warn("dropping ping_request without reverse_path")
		return
	}

	k.state.LastPingAt = time.Now()

	resp := envelope.New(k.cfg.KernelID, envelope.TypePingResponse, map[string]any{
		"in_response_to": env.Header.MsgID,
	})
	k.send(ctx, reversePath, resp)
	k.report(ctx)
}

// handleCodeExecution implements spec §4.4.6. It returns true if it
// terminated the process (single-shot mode), so the caller's dispatch loop
// knows to stop rather than relying on os.Exit alone — a test-injected
// exit func never actually halts the goroutine.
func (k *Kernel) handleCodeExecution(ctx context.Context, env envelope.Envelope) bool {
	if k.state.IsExecutingCode() {
		k.logger.Warn("dropping code_execution received while already executing", slog.String("msg_id", env.Header.MsgID))
		return false
	}

	reversePath, ok := env.StringField("reverse_path")
	if !ok {
		k.logger.Warn("dropping code_execution without reverse_path")
		return false
	}
	code, ok := env.StringField("code")
	if !ok {
		k.logger.Warn("dropping code_execution without code")
		return false
	}

	k.state.ExecReversePath = reversePath
	k.state.ExecMsgID = env.Header.MsgID
	k.state.ExecStartTime = time.Now()
	k.state.MarkInProgress(kernelstate.TagCodeExecution)
	k.report(ctx)

	startTime := k.state.ExecStartTime

	// ExecCode blocks the control loop's only thread for the duration of
	// the program; fetchInput and the publish handlers re-enter this
	// struct's methods on the same goroutine while it runs (spec §5).
	if err := k.executor.ExecCode(code); err != nil {
		k.logger.Error("executor facade error", slog.Any("error", err))
	}

	// Residual, non-newline-terminated buffer content flushes into the
	// completion envelope itself (spec §4.4.6, §4.4.8).
	residualStdout := joinAndReset(&k.state.PendingStdout)
	residualStderr := joinAndReset(&k.state.PendingStderr)

	stdoutBytes := k.state.ExecStdoutBytes + len(residualStdout)
	stderrBytes := k.state.ExecStderrBytes + len(residualStderr)

	complete := envelope.New(k.cfg.KernelID, envelope.TypeCodeExecutionComplete, map[string]any{
		"in_response_to": k.state.ExecMsgID,
		"stdout":         residualStdout,
		"stderr":         residualStderr,
	})
	k.send(ctx, k.state.ExecReversePath, complete)

	k.executionCount++
	if k.auditLogger != nil {
		if _, err := k.auditLogger.RecordExecution(k.cfg.KernelID, k.state.ExecMsgID, code, stdoutBytes, stderrBytes, startTime, time.Since(startTime)); err != nil {
			k.logger.Warn("audit append failed", slog.Any("error", err))
		}
	}

	k.state.ResetCodeExecutionState()
	k.report(ctx)

	if !k.cfg.SessionMode {
		k.logger.Info("single-shot execution complete, terminating")
		k.exit(0)
		return true
	}
	return false
}

func joinAndReset(buf *[]string) string {
	s := ""
	for _, chunk := range *buf {
		s += chunk
	}
	*buf = nil
	return s
}

// handleInputResponse implements the in-progress half of spec §4.4.3's
// dispatch table entry: stash the reply for fetchInput to consume.
func (k *Kernel) handleInputResponse(env envelope.Envelope) {
	if !k.state.IsAwaitingInput() {
		k.logger.Warn("dropping input_response while not awaiting input")
		return
	}
	k.state.LastInputResponse = env.MsgData
}

// fetchInput is the Executor's input_fn (spec §4.4.7). Called
// synchronously from the guest program's own goroutine — which, because
// of the wall-clock race in internal/executor, is not literally the
// control-loop goroutine, but no other goroutine ever touches KernelState
// concurrently with it, preserving the single-owner invariant.
func (k *Kernel) fetchInput(prompt string) string {
	ctx := context.Background()

	req := envelope.New(k.cfg.KernelID, envelope.TypeInputRequest, map[string]any{
		"in_response_to": k.state.ExecMsgID,
		"prompt":         prompt,
	})
	k.send(ctx, k.state.ExecReversePath, req)

	k.state.MarkInProgress(kernelstate.TagInputRequest)
	k.report(ctx)

	deadline := time.Duration(k.cfg.InputTimeout) * time.Second
	k.fetchAndProcessMessages(ctx, inputWaitAdmissible, envelope.TypeInputResponse, deadline)

	k.state.MarkNotInProgress(kernelstate.TagInputRequest)
	k.report(ctx)

	if k.state.LastInputResponse == nil {
		k.logger.Warn("did not receive input_response within input_timeout")
		return ""
	}

	content, _ := k.state.LastInputResponse["content"].(string)
	k.state.LastInputResponse = nil
	return content
}

// onStdout is the Executor's stdout callback (spec §4.4.8).
func (k *Kernel) onStdout(content string) {
	k.publishChunk(&k.state.PendingStdout, &k.state.ExecStdoutBytes, envelope.TypeStdout, content)
}

// onStderr is the Executor's stderr callback (spec §4.4.8).
func (k *Kernel) onStderr(content string) {
	k.publishChunk(&k.state.PendingStderr, &k.state.ExecStderrBytes, envelope.TypeStderr, content)
}

// publishChunk implements the shared stdout/stderr side-effect handler
// (spec §4.4.8): accumulate into the matching chunk buffer, flush as a
// single envelope only when content ends in a newline.
func (k *Kernel) publishChunk(buf *[]string, byteCount *int, msgType, content string) {
	if content == "" {
		return
	}
	if !k.state.IsExecutingCode() {
		k.logger.Warn("stray side-effect observed while not executing code", slog.String("msg_type", msgType))
		return
	}

	*buf = append(*buf, content)

	if content[len(content)-1] != '\n' {
		return
	}

	full := joinAndReset(buf)
	*byteCount += len(full)

	env := envelope.New(k.cfg.KernelID, msgType, map[string]any{
		"in_response_to": k.state.ExecMsgID,
		"content":        full,
	})
	k.send(context.Background(), k.state.ExecReversePath, env)
}

// onGraphics is the Executor's matplotlib callback (spec §4.4.8). Unlike
// stdout/stderr there is no chunking: one event in, one envelope out.
func (k *Kernel) onGraphics(mimetype string, content []byte) {
	if !k.state.IsExecutingCode() {
		k.logger.Warn("stray matplotlib side-effect observed while not executing code")
		return
	}

	env := envelope.New(k.cfg.KernelID, envelope.TypeMatplotlibDrawing, map[string]any{
		"in_response_to": k.state.ExecMsgID,
		"mimetype":       mimetype,
		"content":        base64.StdEncoding.EncodeToString(content),
	})
	k.send(context.Background(), k.state.ExecReversePath, env)
}

// send encodes and sends env to queue, terminating the process on a send
// failure (spec §4.1: all adapter errors are fatal).
func (k *Kernel) send(ctx context.Context, queue string, env envelope.Envelope) {
	payload, err := env.Encode()
	if err != nil {
		k.logger.Error("failed to encode outbound envelope, terminating", slog.Any("error", err))
		k.exit(1)
		return
	}
	if err := k.broker.Send(ctx, queue, payload); err != nil {
		k.logger.Error("broker send failed, terminating", slog.Any("error", err))
		k.exit(1)
	}
}

// report pushes a best-effort status Snapshot to the optional registry
// reporter. It never blocks the control loop for more than
// reporterTimeout and never lets a failure propagate (spec §7's registry
// report row).
func (k *Kernel) report(ctx context.Context) {
	if k.reporter == nil {
		return
	}

	status := StatusIdle
	switch {
	case k.state.IsAwaitingInput():
		status = StatusAwaitingInput
	case k.state.IsExecutingCode():
		status = StatusExecuting
	}

	snap := Snapshot{
		KernelID:       k.cfg.KernelID,
		SessionMode:    k.cfg.SessionMode,
		Status:         status,
		LastPingAt:     k.state.LastPingAt,
		ExecutionCount: k.executionCount,
	}

	reportCtx, cancel := context.WithTimeout(ctx, reporterTimeout)
	defer cancel()

	if err := k.reporter.Report(reportCtx, snap); err != nil {
		k.logger.Debug("registry report failed", slog.Any("error", err))
	}
}
