package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestMergeInheritsOSAndOverrides(t *testing.T) {
	t.Setenv("WARDEN_ENV_TEST", "from-os")
	e := New().WithSet("APP_MODE", "prod").WithPairs([]string{"WARDEN_ENV_TEST=override", "bad", "=empty"})
	out := e.Merge([]string{"EXTRA=${APP_MODE}-x"})

	v, ok := lookup(out, "WARDEN_ENV_TEST")
	assert.True(t, ok)
	assert.Equal(t, "override", v)
	v, _ = lookup(out, "EXTRA")
	assert.Equal(t, "prod-x", v)
	_, ok = lookup(out, "")
	assert.False(t, ok)
}

func TestIsolatedDropsOSEnv(t *testing.T) {
	t.Setenv("WARDEN_ENV_TEST", "from-os")
	out := Isolated().WithSet("ONLY", "1").Merge(nil)
	assert.Equal(t, []string{"ONLY=1"}, out)
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	a := Isolated().WithSet("A", "1")
	b := a.WithSet("B", "2")
	assert.Len(t, a.Merge(nil), 1)
	assert.Len(t, b.Merge(nil), 2)
}

func TestExpandLeavesUnknownPlaceholders(t *testing.T) {
	out := Isolated().WithPairs([]string{"A=${MISSING}/bin", "B=${A", "C=$A"}).Merge(nil)
	assert.Equal(t, []string{"A=${MISSING}/bin", "B=${A", "C=$A"}, out)
}
