package stub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	o, err := ParseArgs([]string{"--server", "--port", "8123", "--ready-delay", "50ms"})
	require.NoError(t, err)
	assert.True(t, o.Server)
	assert.Equal(t, 8123, o.Port)
	assert.Equal(t, 50*time.Millisecond, o.ReadyDelay)
	assert.Equal(t, "127.0.0.1", o.Host)

	_, err = ParseArgs([]string{"--bogus"})
	assert.Error(t, err)
}

func TestFormatTemperature(t *testing.T) {
	assert.Equal(t, "21.5(C)", FormatTemperature(21.5))
	assert.Equal(t, "0(C)", FormatTemperature(0))
	assert.Equal(t, "영하 -3(C)", FormatTemperature(-3.7))
}

func TestHandlers(t *testing.T) {
	e := New(Options{City: "Busan"}, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/weather/current", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Type string `json:"type"`
		Data struct {
			Weather Weather `json:"weather"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Type)
	assert.Equal(t, "Busan", body.Data.Weather.City)
	assert.Equal(t, "21.5(C)", body.Data.Weather.Temperature)
}

func TestDocsNeverReady(t *testing.T) {
	e := New(Options{ReadyDelay: -1}, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return p
}

func TestRun_WritesAndRemovesPIDFile(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "weather_service_pid.txt")
	port := freePort(t)
	o := Options{Server: true, Host: "127.0.0.1", Port: port, PIDFile: pidPath}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, o, nil, os.Getpid()) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/docs"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	b, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(b))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_CrashAfter(t *testing.T) {
	o := Options{Server: true, Host: "127.0.0.1", Port: freePort(t), CrashAfter: 50 * time.Millisecond}
	err := Run(context.Background(), o, nil, os.Getpid())
	assert.ErrorIs(t, err, ErrCrash)
}

func TestRun_RequiresServerMode(t *testing.T) {
	err := Run(context.Background(), Options{}, nil, os.Getpid())
	assert.Error(t, err)
}

func TestEntryPoint_BadFlags(t *testing.T) {
	assert.Equal(t, 2, Main([]string{"script.py", "--nope"}))
}
