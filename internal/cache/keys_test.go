package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	t.Run("no params", func(t *testing.T) {
		assert.Equal(t, "quote:600519", Key("quote", "600519", nil))
	})

	t.Run("params sorted by name", func(t *testing.T) {
		key := Key("kline", "600519", map[string]string{
			"to":       "2024-02-01",
			"from":     "2024-01-01",
			"interval": "daily",
		})
		assert.Equal(t, "kline:600519:from=2024-01-01:interval=daily:to=2024-02-01", key)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		params := map[string]string{"b": "2", "a": "1", "c": "3"}
		first := Key("info", "000001", params)
		for i := 0; i < 50; i++ {
			assert.Equal(t, first, Key("info", "000001", params))
		}
	})

	t.Run("unsafe characters rewritten", func(t *testing.T) {
		key := Key("quote", "AB*C?1 [x]", nil)
		assert.Equal(t, "quote:AB_C_1__x_", key)
		assert.NotContains(t, key, "*")
		assert.NotContains(t, key, "?")
	})

	t.Run("colon in identifier cannot forge segments", func(t *testing.T) {
		assert.Equal(t, "quote:a_b", Key("quote", "a:b", nil))
	})
}

func TestKeyWithHash(t *testing.T) {
	params := map[string]string{"symbols": "600519,000001,300750", "window": "90d"}

	first := KeyWithHash("screener", "momentum", params)
	second := KeyWithHash("screener", "momentum", params)
	assert.Equal(t, first, second)
	assert.Regexp(t, `^screener:momentum:h=[0-9a-f]{12}$`, first)

	changed := KeyWithHash("screener", "momentum", map[string]string{"symbols": "600519", "window": "90d"})
	assert.NotEqual(t, first, changed)
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "quote", Namespace("quote:600519"))
	assert.Equal(t, "kline", Namespace("kline:600519:from=2024-01-01"))
	assert.Equal(t, "bare", Namespace("bare"))
	assert.Equal(t, "quote:*", NamespacePattern("quote"))
}
