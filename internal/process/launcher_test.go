package process

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/pidfile"
	"github.com/loykin/sidecar/internal/stub"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process group signalling is unix-only")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return p
}

// helperLauncher launches this test binary as the stub sidecar.
func helperLauncher(t *testing.T, extraFlags string) (*Launcher, pidfile.Record) {
	t.Helper()
	proj := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(proj, "python"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(proj, "python", "weather_service.py"), []byte("# stub\n"), 0o644))
	rec := pidfile.New(filepath.Join(t.TempDir(), "weather_service_pid.txt"))
	envs := []string{stub.HelperEnv + "=1"}
	if extraFlags != "" {
		envs = append(envs, stub.FlagsEnv+"="+extraFlags)
	}
	return &Launcher{
		Layout: Layout{Dev: true, Runtime: os.Args[0], Script: "weather_service.py", ProjectDir: proj},
		Env:    envs,
		Record: &rec,
	}, rec
}

func waitHTTP(t *testing.T, port int) {
	t.Helper()
	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/docs"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCommand_Invocation(t *testing.T) {
	l, _ := helperLauncher(t, "")
	cmd, err := l.Command(8123)
	require.NoError(t, err)
	assert.Equal(t, []string{"--server", "--port", "8123"}, cmd.Args[2:])
	assert.Equal(t, l.Layout.ScriptPath(), cmd.Args[1])
	assert.Equal(t, l.Layout.PythonDir(), cmd.Dir)

	joined := strings.Join(cmd.Env, "\n")
	assert.Contains(t, joined, "PYTHONUNBUFFERED=1")
	assert.Contains(t, joined, stub.HelperEnv+"=1")
	if runtime.GOOS != "windows" {
		require.NotNil(t, cmd.SysProcAttr)
		assert.True(t, cmd.SysProcAttr.Setpgid)
	}
}

func TestLaunch_MissingScript(t *testing.T) {
	l := &Launcher{Layout: Layout{Dev: true, Script: "weather_service.py", ProjectDir: t.TempDir()}}
	_, err := l.Launch(context.Background(), 8000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunchFailed))
}

func TestLaunch_MissingRuntime(t *testing.T) {
	l, _ := helperLauncher(t, "")
	l.Layout.Runtime = filepath.Join(t.TempDir(), "no-such-python")
	_, err := l.Launch(context.Background(), 8000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchFailed)
}

func TestLaunch_CanceledContext(t *testing.T) {
	l, _ := helperLauncher(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Launch(ctx, 8000)
	assert.ErrorIs(t, err, ErrLaunchFailed)
}

func TestLaunch_ServesRecordsAndStops(t *testing.T) {
	requireUnix(t)
	l, rec := helperLauncher(t, "")
	l.Log = logger.Config{File: logger.FileConfig{Dir: t.TempDir()}}
	port := freePort(t)

	child, err := l.Launch(context.Background(), port)
	require.NoError(t, err)
	t.Cleanup(func() { _ = child.Kill() })
	assert.Equal(t, port, child.Port)
	assert.Positive(t, child.PID)

	pid, err := rec.Read()
	require.NoError(t, err)
	assert.Equal(t, child.PID, pid)

	waitHTTP(t, port)
	assert.False(t, child.Exited())
	assert.Equal(t, -1, child.ExitCode())

	require.NoError(t, child.Stop(3*time.Second))
	assert.True(t, child.Exited())
	select {
	case <-child.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	_, err = os.Stat(filepath.Join(l.Log.File.Dir, Name+".stderr.log"))
	assert.NoError(t, err, "stderr mirrored to rotated file")
}

func TestLaunch_CrashExitCode(t *testing.T) {
	requireUnix(t)
	l, _ := helperLauncher(t, "--crash-after=100ms --crash-code=3")
	child, err := l.Launch(context.Background(), freePort(t))
	require.NoError(t, err)
	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		_ = child.Kill()
		t.Fatal("child did not exit")
	}
	assert.Error(t, child.ExitErr())
	assert.Equal(t, 3, child.ExitCode())
	assert.NoError(t, child.Stop(time.Second), "stopping an exited child is a no-op")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, -1, ExitCode(errors.New("boom")))
}
