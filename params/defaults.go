// params 包提供了 kadnode DHT 的协议参数和建议默认值。
//
// kadnode 是 Kademlia 分布式哈希表(DHT)算法的一个实现,使用 160 位标识符空间和 XOR 距离。
// 本包定义了节点、查找和存储中使用的关键常量。
package params

import "time"

const (
	// ProtocolID 是 kadnode 协议的标识符,记录在指标和日志中。
	ProtocolID = "/kadnode/kad/1.0.0"

	// DefaultBucketSize 是桶大小(Kademlia 论文中的 k 值)。
	// 它表示路由表中每个 k-bucket 可以存储的最大联系人数量。
	DefaultBucketSize = 20

	// DefaultConcurrency 是查找中的并发请求数量(Kademlia 论文中的 alpha 值)。
	DefaultConcurrency = 3

	// DefaultImpatience 是查找在开始下一轮之前可以不等待的请求数量。
	// 当 alpha - impatience 个请求得到结果后就开始下一轮。
	DefaultImpatience = 1

	// DefaultMaxConflicts 是未解决冲突的上限,达到后路由表进入防御模式。
	DefaultMaxConflicts = 60

	// DefaultNetworkTimeout 是单个 RPC 等待响应的时间。
	DefaultNetworkTimeout = 5 * time.Second

	// DefaultEntryTTL 是条目生存时间的上限,也是存储请求默认的生存时间。
	DefaultEntryTTL = 24 * time.Hour

	// DefaultMaxEntries 是本地存储能容纳的最大条目数。
	DefaultMaxEntries = 10000

	// DefaultMaxBlobSize 是单个条目的最大字节数。
	DefaultMaxBlobSize = 64 * 1024

	// DefaultExpirationDistanceThreshold 是缓存条目生存时间开始衰减的距离阈值。
	// 缓存点与键之间的节点数超过该值后,每多一个节点生存时间减半。
	DefaultExpirationDistanceThreshold = 8

	// DefaultCacheTTL 是缓存条目在最近位置上的生存时间。
	DefaultCacheTTL = time.Hour

	// DefaultStoreQuorum 是存储成功所需确认的目标比例。
	DefaultStoreQuorum = 0.5

	// DefaultBootstrapTimeout 是 BootstrapUntil 的默认时限。
	DefaultBootstrapTimeout = 30 * time.Second

	// DefaultRefreshInterval 是路由表刷新的间隔。
	DefaultRefreshInterval = time.Hour

	// DefaultRepublishInterval 是检查待再发布条目的间隔。
	DefaultRepublishInterval = 10 * time.Minute

	// DefaultRepublishThreshold 是条目剩余生存时间低于该值时需要再发布。
	DefaultRepublishThreshold = time.Hour

	// DefaultRetentionFloor 是接收记录保留的最短时间。
	DefaultRetentionFloor = time.Minute
)
