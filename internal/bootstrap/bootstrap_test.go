package bootstrap

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error // keyed by joined args
	block chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, out io.Writer, name string, args ...string) error {
	joined := strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: joined})
	err := f.fail[joined]
	block := f.block
	f.mu.Unlock()
	_, _ = io.WriteString(out, "output for "+joined+"\n")
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeRunner) argList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.args)
	}
	return out
}

func manifest(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "requirements.txt")
	require.NoError(t, os.WriteFile(p, []byte("fastapi\n"), 0o644))
	return p
}

func TestEnsureEnvironment_InstallsOnce(t *testing.T) {
	r := &fakeRunner{}
	m := manifest(t)
	b := New("python3", m, nil)
	b.Runner = r

	b.EnsureEnvironment(context.Background())
	assert.True(t, b.Installed())
	assert.Equal(t, []string{
		"--version",
		"-m pip install --upgrade pip",
		"-m pip install -r " + m + " --user",
	}, r.argList())
	assert.Equal(t, "python3", r.calls[0].name)

	b.EnsureEnvironment(context.Background())
	assert.Len(t, r.argList(), 3, "second call is a no-op once installed")
}

func TestEnsureEnvironment_CheckFailureNotifies(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"--version": errors.New("exit status 9009")}}
	b := New("python", manifest(t), nil)
	b.Runner = r
	var got error
	b.Notify = func(_ string, err error) { got = err }

	b.EnsureEnvironment(context.Background())
	assert.False(t, b.Installed())
	require.Error(t, got)
	assert.ErrorIs(t, got, ErrEnvironmentCheckFailed)
	assert.Equal(t, []string{"--version"}, r.argList(), "no install after failed check")
}

func TestEnsureEnvironment_InstallFailureRetriesNextTime(t *testing.T) {
	m := manifest(t)
	r := &fakeRunner{fail: map[string]error{"-m pip install -r " + m + " --user": errors.New("exit status 1")}}
	b := New("python3", m, nil)
	b.Runner = r

	b.EnsureEnvironment(context.Background())
	assert.False(t, b.Installed())
	assert.False(t, b.Installing())

	r.mu.Lock()
	r.fail = nil
	r.mu.Unlock()
	b.EnsureEnvironment(context.Background())
	assert.True(t, b.Installed())
}

func TestEnsureEnvironment_PipUpgradeFailureIsTolerated(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"-m pip install --upgrade pip": errors.New("offline")}}
	b := New("python3", manifest(t), nil)
	b.Runner = r
	b.EnsureEnvironment(context.Background())
	assert.True(t, b.Installed())
}

func TestEnsureEnvironment_MissingManifest(t *testing.T) {
	r := &fakeRunner{}
	b := New("python3", filepath.Join(t.TempDir(), "requirements.txt"), nil)
	b.Runner = r
	b.EnsureEnvironment(context.Background())
	assert.False(t, b.Installed())
	assert.Equal(t, []string{"--version", "-m pip install --upgrade pip"}, r.argList())
}

func TestEnsureEnvironment_ConcurrentCallerReturnsImmediately(t *testing.T) {
	r := &fakeRunner{block: make(chan struct{})}
	b := New("python3", manifest(t), nil)
	b.Runner = r

	done := make(chan struct{})
	go func() {
		b.EnsureEnvironment(context.Background())
		close(done)
	}()
	require.Eventually(t, b.Installing, time.Second, 5*time.Millisecond)

	returned := make(chan struct{})
	go func() {
		b.EnsureEnvironment(context.Background())
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("concurrent caller blocked on in-flight install")
	}

	close(r.block)
	<-done
	assert.True(t, b.Installed())
	assert.Len(t, r.argList(), 3)
}
