package intercept

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurral/kurral/runtime/hooks"
)

func TestGuardNesting(t *testing.T) {
	require.False(t, Active())

	outer := Activate()
	require.True(t, Active())

	inner := Activate()
	inner()
	require.True(t, Active(), "outer activation still holds the guard")

	inner()
	require.True(t, Active(), "release is idempotent")

	outer()
	require.False(t, Active())
}

func TestGuardReleasedOnPanic(t *testing.T) {
	outer := Activate()

	func() {
		defer func() { assert.NotNil(t, recover()) }()
		release := Activate()
		defer release()
		panic("replay aborted")
	}()

	require.True(t, Active(), "outer activation survives the inner panic")
	outer()
	require.False(t, Active())
}

func TestOpenFileBlocksWritesDuringReplay(t *testing.T) {
	release := Activate()
	defer release()

	ctx := context.Background()
	e := New(Options{RunID: "run-1"})
	path := filepath.Join(t.TempDir(), "out.txt")

	f, err := e.OpenFile(ctx, path, os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	n, err := f.Write([]byte("should vanish"))
	require.NoError(t, err)
	assert.Equal(t, len("should vanish"), n)
	require.NoError(t, f.Close())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "no file may be created by a blocked write")
}

func TestOpenFileAllowsReadsDuringReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("recorded"), 0o644))

	release := Activate()
	defer release()

	ctx := context.Background()
	e := New(Options{})
	f, err := e.OpenFile(ctx, path, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 16)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "recorded", string(buf[:n]))
}

func TestOpenFileWritesOutsideReplay(t *testing.T) {
	ctx := context.Background()
	e := New(Options{})
	path := filepath.Join(t.TempDir(), "live.txt")

	f, err := e.OpenFile(ctx, path, os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("live"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "live", string(data))
}

func TestSetenvDroppedDuringReplay(t *testing.T) {
	const key = "KURRAL_INTERCEPT_PROBE"
	t.Setenv(key, "before")

	release := Activate()
	ctx := context.Background()
	e := New(Options{})

	require.NoError(t, e.Setenv(ctx, key, "after"))
	assert.Equal(t, "before", os.Getenv(key))
	require.NoError(t, e.Unsetenv(ctx, key))
	assert.Equal(t, "before", os.Getenv(key))
	release()

	require.NoError(t, e.Setenv(ctx, key, "after"))
	assert.Equal(t, "after", os.Getenv(key))
}

func TestSendMailBlockedDuringReplay(t *testing.T) {
	release := Activate()
	defer release()

	bus := hooks.NewBus()
	var events []hooks.Event
	_, err := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, event hooks.Event) error {
		events = append(events, event)
		return nil
	}))
	require.NoError(t, err)

	ctx := context.Background()
	e := New(Options{Bus: bus, RunID: "run-smtp", KurralID: "k1"})

	// The address is unroutable; a real send attempt would fail.
	err = e.SendMail(ctx, "smtp.invalid:25", nil, "a@example.com", []string{"b@example.com"}, []byte("hi"))
	require.NoError(t, err)

	require.Len(t, events, 1)
	evt, ok := events[0].(*hooks.WriteBlockedEvent)
	require.True(t, ok)
	assert.Equal(t, "smtp.send", evt.Operation)
	assert.Equal(t, "smtp.invalid:25", evt.Target)
	assert.Equal(t, "run-smtp", evt.RunID())
}
