package config

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/kadnode/internal/net"
	kb "github.com/dep2p/kadnode/kbucket"
	"github.com/dep2p/kadnode/params"
)

// DefaultListenAddr 默认的监听地址
var DefaultListenAddr = ma.StringCast("/ip4/0.0.0.0/tcp/4001")

// Config 是构造DHT时可以使用的所有选项的结构
type Config struct {
	ListenAddr     ma.Multiaddr
	AnnounceAddr   ma.Multiaddr
	Transport      net.Transport
	LocalID        kb.ID
	Clock          clock.Clock
	BootstrapPeers []ma.Multiaddr

	// 路由表为空时不再自动连接引导节点
	DisableFixLowPeers bool

	BucketSize        int
	Concurrency       int
	Impatience        int
	NetworkTimeout    time.Duration
	StoreQuorum       float64
	BootstrapTimeout  time.Duration
	RetentionFloor    time.Duration
	InflightCacheSize int

	RoutingTable struct {
		ConflictGracePeriod time.Duration
		MaxConflicts        int
		RefreshInterval     time.Duration
		RefreshQueryTimeout time.Duration
		AutoRefresh         bool
	}

	Storage struct {
		MaxEntries                  int
		MaxBlobSize                 int
		EntryTTL                    time.Duration
		CacheTTL                    time.Duration
		ExpirationDistanceThreshold int
		RepublishInterval           time.Duration
		RepublishThreshold          time.Duration
	}
}

// Apply 将给定的选项应用到此配置
// 参数:
//   - opts: ...Option 要应用的选项列表
//
// 返回值:
//   - error 错误信息
func (c *Config) Apply(opts ...Option) error {
	for i, opt := range opts {
		if err := opt(c); err != nil {
			return fmt.Errorf("DHT选项 %d 失败: %s", i, err)
		}
	}
	return nil
}

// ApplyFallbacks 设置依赖于其他配置参数的默认值
// 冲突宽限期默认等于网络超时,并发不足时不耐心值被截断到alpha-1
func (c *Config) ApplyFallbacks() {
	if c.RoutingTable.ConflictGracePeriod == 0 {
		c.RoutingTable.ConflictGracePeriod = c.NetworkTimeout
	}
	if c.RoutingTable.RefreshQueryTimeout == 0 {
		c.RoutingTable.RefreshQueryTimeout = 2 * c.NetworkTimeout
	}
	if c.Impatience > c.Concurrency-1 {
		c.Impatience = c.Concurrency - 1
	}
	if c.Impatience < 0 {
		c.Impatience = 0
	}
	if c.LocalID.IsZero() {
		c.LocalID = kb.RandomID()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Option DHT选项类型
type Option func(*Config) error

// Defaults 是默认的DHT选项。此选项将自动添加到传递给DHT构造函数的任何选项之前
var Defaults = func(o *Config) error {
	o.ListenAddr = DefaultListenAddr
	o.Clock = clock.New()

	o.BucketSize = params.DefaultBucketSize
	o.Concurrency = params.DefaultConcurrency
	o.Impatience = params.DefaultImpatience
	o.NetworkTimeout = params.DefaultNetworkTimeout
	o.StoreQuorum = params.DefaultStoreQuorum
	o.BootstrapTimeout = params.DefaultBootstrapTimeout
	o.RetentionFloor = params.DefaultRetentionFloor
	o.InflightCacheSize = 1024

	o.RoutingTable.MaxConflicts = params.DefaultMaxConflicts
	o.RoutingTable.RefreshInterval = params.DefaultRefreshInterval
	o.RoutingTable.AutoRefresh = true

	o.Storage.MaxEntries = params.DefaultMaxEntries
	o.Storage.MaxBlobSize = params.DefaultMaxBlobSize
	o.Storage.EntryTTL = params.DefaultEntryTTL
	o.Storage.CacheTTL = params.DefaultCacheTTL
	o.Storage.ExpirationDistanceThreshold = params.DefaultExpirationDistanceThreshold
	o.Storage.RepublishInterval = params.DefaultRepublishInterval
	o.Storage.RepublishThreshold = params.DefaultRepublishThreshold

	return nil
}

// Validate 验证配置
// 返回值:
//   - error 错误信息
func (c *Config) Validate() error {
	if c.Transport == nil && c.ListenAddr == nil {
		return fmt.Errorf("必须指定监听地址或传输层")
	}
	if c.BucketSize <= 0 {
		return fmt.Errorf("桶大小必须为正数: %d", c.BucketSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("并发数必须为正数: %d", c.Concurrency)
	}
	if c.Impatience < 0 {
		return fmt.Errorf("不耐心值不能为负数: %d", c.Impatience)
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("网络超时必须为正数: %s", c.NetworkTimeout)
	}
	if c.StoreQuorum <= 0 || c.StoreQuorum > 1 {
		return fmt.Errorf("存储法定比例必须在(0, 1]之间: %v", c.StoreQuorum)
	}
	if c.BootstrapTimeout <= 0 {
		return fmt.Errorf("引导超时必须为正数: %s", c.BootstrapTimeout)
	}
	if c.RetentionFloor < 0 {
		return fmt.Errorf("记录保留时间不能为负数: %s", c.RetentionFloor)
	}
	if c.InflightCacheSize <= 0 {
		return fmt.Errorf("请求缓存大小必须为正数: %d", c.InflightCacheSize)
	}
	if c.RoutingTable.MaxConflicts <= 0 {
		return fmt.Errorf("最大冲突数必须为正数: %d", c.RoutingTable.MaxConflicts)
	}
	if c.RoutingTable.ConflictGracePeriod < 0 {
		return fmt.Errorf("冲突宽限期不能为负数: %s", c.RoutingTable.ConflictGracePeriod)
	}
	if c.Storage.MaxEntries <= 0 || c.Storage.MaxBlobSize <= 0 {
		return fmt.Errorf("存储容量必须为正数")
	}
	if c.Storage.EntryTTL <= 0 || c.Storage.CacheTTL <= 0 {
		return fmt.Errorf("条目生存时间必须为正数")
	}
	if c.Storage.ExpirationDistanceThreshold < 0 {
		return fmt.Errorf("距离阈值不能为负数: %d", c.Storage.ExpirationDistanceThreshold)
	}
	return nil
}
