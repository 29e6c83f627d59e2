package dht

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"

	dhtcfg "github.com/dep2p/kadnode/internal/config"
	"github.com/dep2p/kadnode/internal/net"
	kb "github.com/dep2p/kadnode/kbucket"
)

// Option DHT配置选项
type Option = dhtcfg.Option

// StoreOption 单次存储操作的选项
type StoreOption = dhtcfg.StoreOption

// ListenAddr 设置TCP传输层的监听地址
// 参数:
//   - addr: ma.Multiaddr 监听地址
//
// 返回值:
//   - Option 配置选项
func ListenAddr(addr ma.Multiaddr) Option {
	return func(c *dhtcfg.Config) error {
		c.ListenAddr = addr
		return nil
	}
}

// AnnounceAddr 设置告知其他节点的回复地址
// 监听在未指定地址(如0.0.0.0)上时需要设置
//
// 参数:
//   - addr: ma.Multiaddr 对外地址
//
// 返回值:
//   - Option 配置选项
func AnnounceAddr(addr ma.Multiaddr) Option {
	return func(c *dhtcfg.Config) error {
		c.AnnounceAddr = addr
		return nil
	}
}

// Transport 使用给定的传输层代替TCP,设置后ListenAddr被忽略
// 参数:
//   - t: net.Transport 传输层
//
// 返回值:
//   - Option 配置选项
func Transport(t net.Transport) Option {
	return func(c *dhtcfg.Config) error {
		c.Transport = t
		return nil
	}
}

// LocalID 设置本地节点标识符,默认随机生成
func LocalID(id kb.ID) Option {
	return func(c *dhtcfg.Config) error {
		c.LocalID = id
		return nil
	}
}

// Clock 设置DHT使用的时钟
func Clock(clk clock.Clock) Option {
	return func(c *dhtcfg.Config) error {
		c.Clock = clk
		return nil
	}
}

// BucketSize 配置DHT使用的桶大小(Kademlia论文中的k)
// 默认值为 params.DefaultBucketSize
//
// 参数:
//   - bucketSize: int 桶大小
//
// 返回值:
//   - Option 配置选项
func BucketSize(bucketSize int) Option {
	return func(c *dhtcfg.Config) error {
		c.BucketSize = bucketSize
		return nil
	}
}

// Concurrency 配置给定查询的并发请求数(Kademlia论文中的alpha)
// 默认值为 params.DefaultConcurrency
//
// 参数:
//   - alpha: int 并发数
//
// 返回值:
//   - Option 配置选项
func Concurrency(alpha int) Option {
	return func(c *dhtcfg.Config) error {
		c.Concurrency = alpha
		return nil
	}
}

// Impatience 配置查找在发起下一轮请求前可以不等待的请求数
// 下一轮在alpha-impatience个请求完成后开始,超过alpha-1时被截断
//
// 参数:
//   - n: int 不耐心值
//
// 返回值:
//   - Option 配置选项
func Impatience(n int) Option {
	return func(c *dhtcfg.Config) error {
		c.Impatience = n
		return nil
	}
}

// NetworkTimeout 设置单个请求等待响应的时间
func NetworkTimeout(d time.Duration) Option {
	return func(c *dhtcfg.Config) error {
		c.NetworkTimeout = d
		return nil
	}
}

// StoreQuorum 设置存储成功所需的确认比例
// 参数:
//   - fraction: float64 (0, 1]之间的比例
//
// 返回值:
//   - Option 配置选项
func StoreQuorum(fraction float64) Option {
	return func(c *dhtcfg.Config) error {
		c.StoreQuorum = fraction
		return nil
	}
}

// BootstrapTimeout 设置BootstrapUntil的默认时限
func BootstrapTimeout(d time.Duration) Option {
	return func(c *dhtcfg.Config) error {
		c.BootstrapTimeout = d
		return nil
	}
}

// BootstrapPeers 配置引导节点地址
// 路由表为空时DHT会尝试连接它们
func BootstrapPeers(addrs ...ma.Multiaddr) Option {
	return func(c *dhtcfg.Config) error {
		c.BootstrapPeers = addrs
		return nil
	}
}

// ReceptionRetention 设置接收记录至少保留的时间
func ReceptionRetention(d time.Duration) Option {
	return func(c *dhtcfg.Config) error {
		c.RetentionFloor = d
		return nil
	}
}

// ConflictGracePeriod 设置被挤出的联系人回应存活挑战的宽限期
// 默认等于网络超时
//
// 参数:
//   - d: time.Duration 宽限期
//
// 返回值:
//   - Option 配置选项
func ConflictGracePeriod(d time.Duration) Option {
	return func(c *dhtcfg.Config) error {
		c.RoutingTable.ConflictGracePeriod = d
		return nil
	}
}

// MaxConflicts 设置进入防御模式的未解决冲突数
func MaxConflicts(n int) Option {
	return func(c *dhtcfg.Config) error {
		c.RoutingTable.MaxConflicts = n
		return nil
	}
}

// RoutingTableRefreshQueryTimeout 设置路由表刷新查询的超时时间
// 参数:
//   - timeout: time.Duration 超时时间
//
// 返回值:
//   - Option 配置选项
func RoutingTableRefreshQueryTimeout(timeout time.Duration) Option {
	return func(c *dhtcfg.Config) error {
		c.RoutingTable.RefreshQueryTimeout = timeout
		return nil
	}
}

// RoutingTableRefreshPeriod 设置刷新路由表中桶的周期。DHT 将通过以下方式每个周期刷新桶:
// 1. 首先搜索附近的节点以确定我们应该尝试填充多少个桶
// 2. 然后在上次刷新期间未查询的每个桶中搜索随机键
//
// 参数:
//   - period: time.Duration 刷新周期
//
// 返回值:
//   - Option 配置选项
func RoutingTableRefreshPeriod(period time.Duration) Option {
	return func(c *dhtcfg.Config) error {
		c.RoutingTable.RefreshInterval = period
		return nil
	}
}

// DisableAutoRefresh 完全禁用DHT路由表的自动刷新
// 这意味着我们既不会定期刷新路由表,也不会在路由表大小低于最小阈值时刷新
//
// 返回值:
//   - Option 配置选项
func DisableAutoRefresh() Option {
	return func(c *dhtcfg.Config) error {
		c.RoutingTable.AutoRefresh = false
		return nil
	}
}

// MaxEntries 设置本地存储的条目上限
func MaxEntries(n int) Option {
	return func(c *dhtcfg.Config) error {
		c.Storage.MaxEntries = n
		return nil
	}
}

// MaxBlobSize 设置单个条目负载的最大字节数
func MaxBlobSize(n int) Option {
	return func(c *dhtcfg.Config) error {
		c.Storage.MaxBlobSize = n
		return nil
	}
}

// EntryTTL 设置条目的最大生存时间,也是Store的默认生存时间
// 参数:
//   - ttl: time.Duration 生存时间
//
// 返回值:
//   - Option 配置选项
func EntryTTL(ttl time.Duration) Option {
	return func(c *dhtcfg.Config) error {
		c.Storage.EntryTTL = ttl
		return nil
	}
}

// CacheTTL 设置缓存条目的基础生存时间
// 实际生存时间随缓存节点与键之间的节点数指数衰减
//
// 参数:
//   - ttl: time.Duration 基础生存时间
//   - threshold: int 开始衰减前允许的节点数
//
// 返回值:
//   - Option 配置选项
func CacheTTL(ttl time.Duration, threshold int) Option {
	return func(c *dhtcfg.Config) error {
		c.Storage.CacheTTL = ttl
		c.Storage.ExpirationDistanceThreshold = threshold
		return nil
	}
}

// Republish 配置重新发布的检查间隔和剩余时间阈值
// 参数:
//   - interval: time.Duration 检查间隔
//   - threshold: time.Duration 剩余生存时间低于此值的条目被重新发布
//
// 返回值:
//   - Option 配置选项
func Republish(interval, threshold time.Duration) Option {
	return func(c *dhtcfg.Config) error {
		if interval <= 0 || threshold <= 0 {
			return fmt.Errorf("重新发布参数必须为正数")
		}
		c.Storage.RepublishInterval = interval
		c.Storage.RepublishThreshold = threshold
		return nil
	}
}

// Quorum 覆盖单次存储需要的确认数
// 参数:
//   - n: int 确认数
//
// 返回值:
//   - StoreOption 存储选项
func Quorum(n int) StoreOption {
	return func(o *dhtcfg.StoreOptions) error {
		if n <= 0 {
			return fmt.Errorf("确认数必须为正数: %d", n)
		}
		o.Quorum = n
		return nil
	}
}

// WithTTL 设置单次存储的生存时间
func WithTTL(ttl time.Duration) StoreOption {
	return func(o *dhtcfg.StoreOptions) error {
		if ttl <= 0 {
			return fmt.Errorf("生存时间必须为正数: %s", ttl)
		}
		o.TTL = ttl
		return nil
	}
}

// disableFixLowPeersRoutine 禁用fixLowPeers例程,仅用于测试
// 参数:
//   - t: *testing.T 测试对象
//
// 返回值:
//   - Option 配置选项
func disableFixLowPeersRoutine(t *testing.T) Option {
	return func(c *dhtcfg.Config) error {
		c.DisableFixLowPeers = true
		return nil
	}
}
