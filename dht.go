package dht

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dep2p/kadnode/broker"
	dhtcfg "github.com/dep2p/kadnode/internal/config"
	"github.com/dep2p/kadnode/internal/net"
	kb "github.com/dep2p/kadnode/kbucket"
	"github.com/dep2p/kadnode/metrics"
	"github.com/dep2p/kadnode/netsize"
	"github.com/dep2p/kadnode/params"
	"github.com/dep2p/kadnode/rtrefresh"
	"github.com/dep2p/kadnode/storage"
)

var (
	// logger 日志记录器
	logger = logging.Logger("dht")
	// baseLogger 基础日志记录器
	baseLogger = logger.Desugar()
)

// KadDHT 是一个Kademlia分布式哈希表节点
// 它把联系人表、存储引擎、接收代理和传输层组合在一起,对外提供阻塞式的API
type KadDHT struct {
	self      kb.Contact    // 本地联系人信息
	transport net.Transport // 传输层
	ownsTrans bool          // 传输层是否由DHT创建
	clk       clock.Clock

	routingTable *kb.ContactTable // 不同距离联系人的路由表
	store        *storage.Store   // 本地条目存储
	broker       *broker.Broker   // 入站消息接收代理

	// rtRefreshManager 管理路由表刷新
	rtRefreshManager *rtrefresh.RtRefreshManager
	// republisher 负责重新发布、过期清理和接收记录回收
	republisher *rtrefresh.Republisher

	// nsEstimator 网络规模估算器
	nsEstimator *netsize.Estimator

	// inflight 记录正在等待响应的相同请求,相同请求复用同一个令牌
	inflight   *lru.Cache[requestKey, *inflightRequest]
	inflightLk sync.Mutex

	birth time.Time // 节点启动时间

	ctx    context.Context    // 上下文
	cancel context.CancelFunc // 取消函数
	wg     sync.WaitGroup     // 等待组

	closeOnce sync.Once
	closeErr  error

	bucketSize     int // 桶大小
	alpha          int // 每次查找的并发参数
	impatience     int // 发起下一轮前可以不等待的请求数
	networkTimeout time.Duration
	storeQuorum    float64

	bootstrapTimeout time.Duration
	entryTTL         time.Duration
	cacheTTL         time.Duration
	distThreshold    int

	autoRefresh bool // 是否自动刷新

	// bootstrapPeers 路由表为空时尝试连接的引导节点
	bootstrapPeers     []ma.Multiaddr
	disableFixLowPeers bool          // 是否禁用修复低联系人数
	fixLowPeersChan    chan struct{} // 修复低联系人数通道
}

// New 使用指定的选项创建一个新的DHT节点
// 未通过Transport选项注入传输层时,在ListenAddr上监听TCP
//
// 参数:
//   - ctx: context.Context 上下文
//   - options: ...Option 选项
//
// 返回值:
//   - *KadDHT DHT实例
//   - error 错误信息
func New(ctx context.Context, options ...Option) (*KadDHT, error) {
	var cfg dhtcfg.Config
	if err := cfg.Apply(append([]Option{dhtcfg.Defaults}, options...)...); err != nil {
		return nil, err
	}
	cfg.ApplyFallbacks()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport, owns := cfg.Transport, false
	if transport == nil {
		t, err := net.ListenTCP(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("监听 %s 失败: %w", cfg.ListenAddr, err)
		}
		transport, owns = t, true
	}

	dht, err := makeDHT(transport, cfg)
	if err != nil {
		if owns {
			_ = transport.Close()
		}
		return nil, fmt.Errorf("创建DHT失败, err=%s", err)
	}
	dht.ownsTrans = owns

	dht.transport.SetHandler(dht.handleMessage)

	dht.rtRefreshManager.Start()
	dht.republisher.Start()

	// 监听修复低联系人数通道并尝试修复路由表
	if !dht.disableFixLowPeers {
		dht.runFixLowPeersLoop()
	}

	logger.Infow("DHT节点已启动", "id", dht.self.ID.ShortString(), "addr", dht.self.Addr, "protocol", params.ProtocolID)
	return dht, nil
}

// makeDHT 创建一个新的DHT实例
//
// 参数:
//   - transport: net.Transport 传输层
//   - cfg: dhtcfg.Config 配置
//
// 返回值:
//   - *KadDHT DHT实例
//   - error 错误信息
func makeDHT(transport net.Transport, cfg dhtcfg.Config) (*KadDHT, error) {
	addr := cfg.AnnounceAddr
	if addr == nil {
		addr = transport.LocalAddr()
	}

	dht := &KadDHT{
		self:      kb.Contact{ID: cfg.LocalID, Addr: addr},
		transport: transport,
		clk:       cfg.Clock,
		birth:     cfg.Clock.Now(),

		bucketSize:     cfg.BucketSize,
		alpha:          cfg.Concurrency,
		impatience:     cfg.Impatience,
		networkTimeout: cfg.NetworkTimeout,
		storeQuorum:    cfg.StoreQuorum,

		bootstrapTimeout: cfg.BootstrapTimeout,
		entryTTL:         cfg.Storage.EntryTTL,
		cacheTTL:         cfg.Storage.CacheTTL,
		distThreshold:    cfg.Storage.ExpirationDistanceThreshold,

		autoRefresh:        cfg.RoutingTable.AutoRefresh,
		bootstrapPeers:     cfg.BootstrapPeers,
		disableFixLowPeers: cfg.DisableFixLowPeers,
		fixLowPeersChan:    make(chan struct{}, 1),
	}

	// 从原始上下文创建带标签的上下文
	// DHT上下文应在进程关闭时完成
	dht.ctx, dht.cancel = context.WithCancel(dht.newContextWithLocalTags(context.Background()))

	var staleContactThreshold time.Duration

	// 阈值是根据在刷新周期中查询联系人之前应该经过的预期时间计算的
	if cfg.Concurrency < cfg.BucketSize { // (alpha < K)
		l1 := math.Log(float64(1) / float64(cfg.BucketSize))                              // (Log(1/K))
		l2 := math.Log(float64(1) - (float64(cfg.Concurrency) / float64(cfg.BucketSize))) // Log(1 - (alpha / K))
		staleContactThreshold = time.Duration(l1 / l2 * float64(cfg.RoutingTable.RefreshInterval))
	} else {
		staleContactThreshold = cfg.RoutingTable.RefreshInterval
	}

	dht.routingTable = makeRoutingTable(dht, cfg)

	var err error
	dht.store, err = storage.New(
		storage.MaxEntries(cfg.Storage.MaxEntries),
		storage.MaxBlobSize(cfg.Storage.MaxBlobSize),
		storage.MaxTTL(cfg.Storage.EntryTTL),
		storage.Clock(cfg.Clock),
	)
	if err != nil {
		return nil, fmt.Errorf("构造存储引擎失败: %w", err)
	}

	dht.broker, err = broker.New(
		broker.Clock(cfg.Clock),
		broker.RetentionFloor(cfg.RetentionFloor),
	)
	if err != nil {
		return nil, fmt.Errorf("构造接收代理失败: %w", err)
	}

	dht.inflight, err = lru.New[requestKey, *inflightRequest](cfg.InflightCacheSize)
	if err != nil {
		return nil, err
	}

	// 初始化网络规模估算器
	dht.nsEstimator = netsize.NewEstimator(dht.routingTable, cfg.BucketSize, cfg.Clock)

	// 使用理论有用性阈值的两倍来保持旧联系人更长时间
	dht.rtRefreshManager, err = makeRtRefreshManager(dht, cfg, 2*staleContactThreshold)
	if err != nil {
		return nil, fmt.Errorf("构造路由表刷新管理器失败,err=%s", err)
	}

	dht.republisher = rtrefresh.NewRepublisher(dht.store, dht.broker, cfg.Clock,
		cfg.Storage.RepublishInterval,
		cfg.Storage.RepublishThreshold,
		dht.republishEntry,
	)

	return dht, nil
}

// makeRtRefreshManager 创建路由表刷新管理器
//
// 参数:
//   - dht: *KadDHT DHT实例
//   - cfg: dhtcfg.Config 配置
//   - staleContactThreshold: time.Duration 超过此时间未见的联系人会被ping
//
// 返回值:
//   - *rtrefresh.RtRefreshManager 路由表刷新管理器
//   - error 错误信息
func makeRtRefreshManager(dht *KadDHT, cfg dhtcfg.Config, staleContactThreshold time.Duration) (*rtrefresh.RtRefreshManager, error) {
	queryFnc := func(ctx context.Context, key kb.ID) error {
		_, err := dht.GetClosestContacts(ctx, key)
		return err
	}

	pingFnc := func(ctx context.Context, c kb.Contact) error {
		return dht.pingContact(ctx, c)
	}

	return rtrefresh.NewRtRefreshManager(dht.routingTable, cfg.Clock, rtrefresh.Config{
		AutoRefresh:    cfg.RoutingTable.AutoRefresh,
		KeyForCpl:      dht.routingTable.GenRandID,
		Query:          queryFnc,
		Ping:           pingFnc,
		QueryTimeout:   cfg.RoutingTable.RefreshQueryTimeout,
		Interval:       cfg.RoutingTable.RefreshInterval,
		StaleThreshold: staleContactThreshold,
	})
}

// makeRoutingTable 创建联系人表,被挤出的联系人通过ping接受存活挑战
//
// 参数:
//   - dht: *KadDHT DHT实例
//   - cfg: dhtcfg.Config 配置
//
// 返回值:
//   - *kb.ContactTable 联系人表
func makeRoutingTable(dht *KadDHT, cfg dhtcfg.Config) *kb.ContactTable {
	rt := kb.NewContactTable(cfg.BucketSize, cfg.LocalID,
		cfg.RoutingTable.ConflictGracePeriod, cfg.RoutingTable.MaxConflicts, cfg.Clock)
	rt.SetChallengeFunc(dht.pingContact)

	rt.ContactAdded = func(c kb.Contact) {
		if ce := baseLogger.Check(zap.DebugLevel, "联系人已添加"); ce != nil {
			ce.Write(zap.String("id", c.ID.ShortString()), zap.Stringer("addr", c.Addr))
		}
		dht.recordTableMetrics()
	}
	rt.ContactRemoved = func(c kb.Contact) {
		logger.Debugw("联系人已移除", "id", c.ID.ShortString())
		dht.recordTableMetrics()

		// 尝试修复RT
		dht.fixRTIfNeeded()
	}
	return rt
}

// recordTableMetrics 记录路由表大小和冲突数
func (dht *KadDHT) recordTableMetrics() {
	stats.Record(dht.ctx,
		metrics.RoutingTableSize.M(int64(dht.routingTable.Size())),
		metrics.TableConflicts.M(int64(dht.routingTable.Conflicts())),
	)
}

// runFixLowPeersLoop 管理同时对fixLowPeers的请求
func (dht *KadDHT) runFixLowPeersLoop() {
	dht.wg.Add(1)
	go func() {
		defer dht.wg.Done()

		dht.fixLowPeers()

		ticker := dht.clk.Ticker(periodicBootstrapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-dht.fixLowPeersChan:
			case <-ticker.C:
			case <-dht.ctx.Done():
				return
			}

			dht.fixLowPeers()
		}
	}()
}

// fixLowPeers 如果我们低于阈值,尝试获取更多联系人到路由表中
func (dht *KadDHT) fixLowPeers() {
	if dht.routingTable.Size() > minRTRefreshThreshold {
		return
	}

	if dht.routingTable.Size() == 0 && len(dht.bootstrapPeers) > 0 {
		found := 0
		for _, i := range rand.Perm(len(dht.bootstrapPeers)) {
			addr := dht.bootstrapPeers[i]
			if addr.Equal(dht.self.Addr) {
				continue
			}
			if _, err := dht.PingAddr(dht.ctx, addr); err == nil {
				found++
			} else {
				logger.Warnw("引导失败", "addr", addr, "error", err)
			}

			// 总是用两个随机引导节点引导,避免网络重启后形成分区
			if found == maxNBoostrappers {
				break
			}
		}
	}

	// 如果路由表中仍然没有联系人,触发刷新是没有意义的
	if dht.routingTable.Size() == 0 {
		return
	}

	if dht.autoRefresh {
		dht.rtRefreshManager.RefreshNoWait()
	}
}

// fixRTIfNeeded 在需要时修复路由表
func (dht *KadDHT) fixRTIfNeeded() {
	select {
	case dht.fixLowPeersChan <- struct{}{}:
	default:
	}
}

// nearestContactsToQuery 返回路由表中离目标最近的联系人,排除请求方自己
// 参数:
//   - target: kb.ID 目标
//   - from: kb.ID 请求方
//   - count: int 返回的联系人数量
//
// 返回值:
//   - []kb.Contact 联系人列表
func (dht *KadDHT) nearestContactsToQuery(target kb.ID, from kb.ID, count int) []kb.Contact {
	// 多取一个,以便排除请求方后仍有count个
	closer := dht.routingTable.Closest(target, count+1)

	filtered := make([]kb.Contact, 0, len(closer))
	for _, c := range closer {
		// 不要把联系人发回给它自己
		if c.ID == from {
			continue
		}
		filtered = append(filtered, c)
		if len(filtered) == count {
			break
		}
	}
	return filtered
}

// Self 返回本地联系人信息
func (dht *KadDHT) Self() kb.Contact {
	return dht.self
}

// ID 返回本地节点标识符
func (dht *KadDHT) ID() kb.ID {
	return dht.self.ID
}

// Addr 返回告知其他节点的回复地址
func (dht *KadDHT) Addr() ma.Multiaddr {
	return dht.self.Addr
}

// Mode 返回路由表当前所处的模式
func (dht *KadDHT) Mode() kb.Mode {
	return dht.routingTable.Mode()
}

// Context 返回DHT的上下文
// 返回值:
//   - context.Context DHT上下文
func (dht *KadDHT) Context() context.Context {
	return dht.ctx
}

// RoutingTable 返回DHT的路由表
// 返回值:
//   - *kb.ContactTable 路由表
func (dht *KadDHT) RoutingTable() *kb.ContactTable {
	return dht.routingTable
}

// NetworkTimeout 返回单个请求等待响应的时间
func (dht *KadDHT) NetworkTimeout() time.Duration {
	return dht.networkTimeout
}

// Storage 返回本地存储引擎
func (dht *KadDHT) Storage() *storage.Store {
	return dht.store
}

// NetworkSize 返回DHT网络大小的最新估计
// 返回值:
//   - int32 网络大小
//   - error 错误信息
func (dht *KadDHT) NetworkSize() (int32, error) {
	return dht.nsEstimator.NetworkSize()
}

// Uptime 返回节点已运行的时间
func (dht *KadDHT) Uptime() time.Duration {
	return dht.clk.Since(dht.birth)
}

// Close 停止所有后台任务并释放资源
// 返回值:
//   - error 错误信息
func (dht *KadDHT) Close() error {
	dht.closeOnce.Do(func() {
		dht.cancel()

		// 先停止接收,入站处理不再访问其他组件
		dht.transport.SetHandler(nil)
		var terr error
		if dht.ownsTrans {
			terr = dht.transport.Close()
		}
		dht.wg.Wait()

		var wg sync.WaitGroup
		closes := [...]func() error{
			dht.rtRefreshManager.Close,
			dht.republisher.Close,
			dht.routingTable.Close,
		}
		var errors [len(closes)]error
		wg.Add(len(errors))
		for i, c := range closes {
			go func(i int, c func() error) {
				defer wg.Done()
				errors[i] = c()
			}(i, c)
		}
		wg.Wait()

		dht.closeErr = multierr.Combine(append(errors[:], terr, dht.store.Close())...)
	})
	return dht.closeErr
}

// newContextWithLocalTags 返回一个新的上下文
// 上下文中包含InstanceID和PeerID键
// 它还将接受任何需要作为tag.Mutators添加到上下文中的额外标签
// 参数:
//   - ctx: context.Context 上下文
//   - extraTags: ...tag.Mutator 额外标签
//
// 返回值:
//   - context.Context 新的上下文
func (dht *KadDHT) newContextWithLocalTags(ctx context.Context, extraTags ...tag.Mutator) context.Context {
	extraTags = append(
		extraTags,
		tag.Upsert(metrics.KeyPeerID, dht.self.ID.String()),
		tag.Upsert(metrics.KeyInstanceID, fmt.Sprintf("%p", dht)),
	)
	ctx, _ = tag.New(
		ctx,
		extraTags...,
	) // 忽略错误,因为它与此代码的实际功能无关
	return ctx
}
