package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestMergeInheritsParentEnv(t *testing.T) {
	t.Setenv("SIDECAR_ENV_TEST", "parent")
	out := New().Merge(nil)
	v, ok := lookup(out, "SIDECAR_ENV_TEST")
	require.True(t, ok)
	require.Equal(t, "parent", v)
}

func TestMergePrecedenceAndExpansion(t *testing.T) {
	t.Setenv("SIDECAR_ENV_BASE", "base")
	e := New().WithSet("SIDECAR_ENV_BASE", "global").WithSet("GREETING", "hi-${SIDECAR_ENV_BASE}")
	out := e.Merge([]string{"SIDECAR_ENV_BASE=extra", "=skipped", "novalue"})

	v, _ := lookup(out, "SIDECAR_ENV_BASE")
	require.Equal(t, "extra", v)
	v, _ = lookup(out, "GREETING")
	require.Equal(t, "hi-extra", v)
	for _, kv := range out {
		require.False(t, strings.HasPrefix(kv, "="), "empty key leaked: %q", kv)
	}
}

func TestChildDefaults(t *testing.T) {
	out := Child().Merge(nil)
	v, ok := lookup(out, "PYTHONUNBUFFERED")
	require.True(t, ok)
	require.Equal(t, "1", v)
	v, _ = lookup(out, "PYTHONIOENCODING")
	require.Equal(t, "utf-8", v)
}
