package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/kadnode/params"
)

func defaultConfig(t *testing.T, opts ...Option) *Config {
	t.Helper()
	var cfg Config
	require.NoError(t, cfg.Apply(append([]Option{Defaults}, opts...)...))
	cfg.ApplyFallbacks()
	return &cfg
}

// ============================================================================
// 配置测试
// ============================================================================

// TestDefaults 测试默认配置有效
func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, params.DefaultBucketSize, cfg.BucketSize)
	assert.Equal(t, params.DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, params.DefaultImpatience, cfg.Impatience)
	assert.Equal(t, cfg.NetworkTimeout, cfg.RoutingTable.ConflictGracePeriod, "宽限期默认等于网络超时")
	assert.False(t, cfg.LocalID.IsZero())
	assert.NotNil(t, cfg.Clock)

	t.Log("✅ 默认配置有效")
}

// TestApplyFallbacks_ClampImpatience 测试不耐心值被截断到alpha-1
func TestApplyFallbacks_ClampImpatience(t *testing.T) {
	cfg := defaultConfig(t, func(c *Config) error {
		c.Concurrency = 2
		c.Impatience = 5
		return nil
	})
	assert.Equal(t, 1, cfg.Impatience)

	cfg = defaultConfig(t, func(c *Config) error {
		c.Concurrency = 1
		return nil
	})
	assert.Equal(t, 0, cfg.Impatience)
	assert.NoError(t, cfg.Validate())

	t.Log("✅ 不耐心值截断正确")
}

// TestValidate 测试无效配置被拒绝
func TestValidate(t *testing.T) {
	cases := map[string]Option{
		"桶大小":  func(c *Config) error { c.BucketSize = 0; return nil },
		"并发数":  func(c *Config) error { c.Concurrency = 0; return nil },
		"网络超时": func(c *Config) error { c.NetworkTimeout = -time.Second; return nil },
		"法定比例": func(c *Config) error { c.StoreQuorum = 1.5; return nil },
		"最大冲突": func(c *Config) error { c.RoutingTable.MaxConflicts = 0; return nil },
		"存储容量": func(c *Config) error { c.Storage.MaxEntries = 0; return nil },
		"监听地址": func(c *Config) error { c.ListenAddr = nil; return nil },
	}
	for name, opt := range cases {
		t.Run(name, func(t *testing.T) {
			var cfg Config
			require.NoError(t, cfg.Apply(Defaults, opt))
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestGetQuorum 测试法定确认数计算
func TestGetQuorum(t *testing.T) {
	assert.Equal(t, 10, GetQuorum(nil, 20, 0.5))
	assert.Equal(t, 2, GetQuorum(nil, 3, 0.5))
	assert.Equal(t, 1, GetQuorum(nil, 1, 0.5))
	assert.Equal(t, 1, GetQuorum(nil, 0, 0.5))
	assert.Equal(t, 3, GetQuorum(&StoreOptions{Quorum: 3}, 20, 0.5))
	assert.Equal(t, 5, GetQuorum(&StoreOptions{Quorum: 9}, 5, 0.5), "不超过目标数")

	var opts StoreOptions
	require.NoError(t, opts.Apply(func(o *StoreOptions) error { o.Quorum = 4; return nil }))
	assert.Equal(t, 4, opts.Quorum)

	t.Log("✅ 法定确认数正确")
}
