// Package intercept suppresses externally visible writes during replay.
// Replay activates a process-wide guard; while it is held, the guarded
// primitives turn SMTP sends, file writes and environment mutations into
// logged no-ops while leaving reads untouched. HTTP is deliberately not
// guarded: read and write intent cannot be told apart at the wire level,
// so recorded tool outputs cover it instead.
package intercept

import (
	"context"
	"fmt"
	"io"
	"net/smtp"
	"os"
	"sync"

	"github.com/kurral/kurral/runtime/hooks"
	"github.com/kurral/kurral/runtime/telemetry"
)

var (
	guardMu    sync.Mutex
	guardDepth int
)

// Activate raises the replay guard and returns its release function. The
// release must run on every exit path; activations nest, and writes stay
// blocked until the outermost release. Release is idempotent.
func Activate() (release func()) {
	guardMu.Lock()
	guardDepth++
	guardMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			guardMu.Lock()
			guardDepth--
			guardMu.Unlock()
		})
	}
}

// Active reports whether the replay guard is held.
func Active() bool {
	guardMu.Lock()
	defer guardMu.Unlock()
	return guardDepth > 0
}

type (
	// Options configures an Effects facade.
	Options struct {
		// Logger receives the WRITE BLOCKED lines. Defaults to a no-op logger.
		Logger telemetry.Logger

		// Metrics counts blocked writes. Defaults to no-op metrics.
		Metrics telemetry.Metrics

		// Bus, when set, receives a WriteBlockedEvent per suppressed write.
		Bus hooks.Bus

		// RunID and KurralID stamp emitted events.
		RunID    string
		KurralID string
	}

	// Effects is the guarded side-effect facade. Agent tools perform their
	// writes through it so replay can suppress them.
	Effects struct {
		log      telemetry.Logger
		metrics  telemetry.Metrics
		bus      hooks.Bus
		runID    string
		kurralID string
	}

	// discardFile pretends to accept writes. Reads report EOF.
	discardFile struct {
		name string
	}
)

// writeMask covers every open flag that can mutate a file.
const writeMask = os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_CREATE | os.O_TRUNC | os.O_EXCL

// New returns an Effects facade.
func New(opts Options) *Effects {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Effects{
		log:      opts.Logger,
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		runID:    opts.RunID,
		kurralID: opts.KurralID,
	}
}

// SendMail delivers mail through net/smtp. While the replay guard is held
// the send is suppressed and reported as successful.
func (e *Effects) SendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	if Active() {
		e.blocked(ctx, "smtp.send", addr, fmt.Sprintf("%d recipients, %d bytes", len(to), len(msg)))
		return nil
	}
	return smtp.SendMail(addr, a, from, to, msg)
}

// OpenFile mirrors os.OpenFile. While the replay guard is held, opens that
// request any write capability return a handle that swallows writes; pure
// reads always pass through to the real file system.
func (e *Effects) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if flag&writeMask != 0 && Active() {
		e.blocked(ctx, "file.open", name, fmt.Sprintf("flags %#x", flag))
		return &discardFile{name: name}, nil
	}
	return os.OpenFile(name, flag, perm)
}

// Setenv mirrors os.Setenv, dropping the write while the replay guard is
// held.
func (e *Effects) Setenv(ctx context.Context, key, value string) error {
	if Active() {
		e.blocked(ctx, "env.set", key, "")
		return nil
	}
	return os.Setenv(key, value)
}

// Unsetenv mirrors os.Unsetenv, dropping the write while the replay guard
// is held.
func (e *Effects) Unsetenv(ctx context.Context, key string) error {
	if Active() {
		e.blocked(ctx, "env.unset", key, "")
		return nil
	}
	return os.Unsetenv(key)
}

func (e *Effects) blocked(ctx context.Context, op, target, detail string) {
	e.log.Warn(ctx, "WRITE BLOCKED: "+op, "target", target, "detail", detail, "run_id", e.runID)
	e.metrics.IncCounter(telemetry.MetricWriteBlocks, 1, "operation", op)
	if e.bus != nil {
		if err := e.bus.Publish(ctx, hooks.NewWriteBlockedEvent(e.runID, e.kurralID, op, target, detail)); err != nil {
			e.log.Warn(ctx, "event subscriber failed", "err", err)
		}
	}
}

// Write implements io.Writer, reporting success without writing.
func (f *discardFile) Write(p []byte) (int, error) {
	return len(p), nil
}

// Read implements io.Reader. A blocked handle has no contents.
func (f *discardFile) Read([]byte) (int, error) {
	return 0, io.EOF
}

// Close implements io.Closer.
func (f *discardFile) Close() error {
	return nil
}
