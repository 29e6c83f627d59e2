package metrics

import (
	pb "github.com/dep2p/kadnode/pb"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	// 默认字节分布
	defaultBytesDistribution = view.Distribution(1024, 2048, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824, 4294967296)
	// 默认毫秒分布
	defaultMillisecondsDistribution = view.Distribution(0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000)
)

// Keys 标签键
var (
	KeyMessageType, _ = tag.NewKey("message_type")
	KeyPeerID, _      = tag.NewKey("peer_id")
	KeyLookupKind, _  = tag.NewKey("lookup_kind")
	// KeyInstanceID 通过指针地址标识DHT实例
	// 用于区分同一进程中的多个节点
	KeyInstanceID, _ = tag.NewKey("instance_id")
)

// UpsertMessageType 将pb.Message的消息类型更新到KeyMessageType中
// 参数:
//   - m: *pb.Message 消息对象
//
// 返回值:
//   - tag.Mutator 标签变更器
func UpsertMessageType(m *pb.Message) tag.Mutator {
	return tag.Upsert(KeyMessageType, m.Type.String())
}

// Measures 度量指标
var (
	ReceivedMessages       = stats.Int64("kadnode/dht/received_messages", "每个RPC接收的消息总数", stats.UnitDimensionless)
	ReceivedMessageErrors  = stats.Int64("kadnode/dht/received_message_errors", "每个RPC接收消息的错误总数", stats.UnitDimensionless)
	ReceivedBytes          = stats.Int64("kadnode/dht/received_bytes", "每个RPC接收的总字节数", stats.UnitBytes)
	InboundRequestLatency  = stats.Float64("kadnode/dht/inbound_request_latency", "每个RPC的延迟", stats.UnitMilliseconds)
	OutboundRequestLatency = stats.Float64("kadnode/dht/outbound_request_latency", "每个RPC的延迟", stats.UnitMilliseconds)
	SentMessages           = stats.Int64("kadnode/dht/sent_messages", "每个RPC发送的消息总数", stats.UnitDimensionless)
	SentMessageErrors      = stats.Int64("kadnode/dht/sent_message_errors", "每个RPC发送消息的错误总数", stats.UnitDimensionless)
	SentRequests           = stats.Int64("kadnode/dht/sent_requests", "每个RPC发送的请求总数", stats.UnitDimensionless)
	SentRequestErrors      = stats.Int64("kadnode/dht/sent_request_errors", "每个RPC发送请求的错误总数", stats.UnitDimensionless)
	SentBytes              = stats.Int64("kadnode/dht/sent_bytes", "每个RPC发送的总字节数", stats.UnitBytes)
	NetworkSize            = stats.Int64("kadnode/dht/network_size", "网络规模估计", stats.UnitDimensionless)
	Receptions             = stats.Int64("kadnode/dht/receptions", "记录到接收代理的消息总数", stats.UnitDimensionless)
	DroppedMessages        = stats.Int64("kadnode/dht/dropped_messages", "校验失败被丢弃的消息总数", stats.UnitDimensionless)
	StoredEntries          = stats.Int64("kadnode/dht/stored_entries", "本地存储的条目数", stats.UnitDimensionless)
	RoutingTableSize       = stats.Int64("kadnode/dht/routing_table_size", "路由表中的联系人数", stats.UnitDimensionless)
	TableConflicts         = stats.Int64("kadnode/dht/table_conflicts", "路由表中未解决的冲突数", stats.UnitDimensionless)
	LookupDuration         = stats.Float64("kadnode/dht/lookup_duration", "每次查找的耗时", stats.UnitMilliseconds)
)

// Views 视图定义
var (
	ReceivedMessagesView = &view.View{
		Measure:     ReceivedMessages,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	ReceivedMessageErrorsView = &view.View{
		Measure:     ReceivedMessageErrors,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	ReceivedBytesView = &view.View{
		Measure:     ReceivedBytes,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: defaultBytesDistribution,
	}
	InboundRequestLatencyView = &view.View{
		Measure:     InboundRequestLatency,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: defaultMillisecondsDistribution,
	}
	OutboundRequestLatencyView = &view.View{
		Measure:     OutboundRequestLatency,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: defaultMillisecondsDistribution,
	}
	SentMessagesView = &view.View{
		Measure:     SentMessages,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	SentMessageErrorsView = &view.View{
		Measure:     SentMessageErrors,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	SentRequestsView = &view.View{
		Measure:     SentRequests,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	SentRequestErrorsView = &view.View{
		Measure:     SentRequestErrors,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	SentBytesView = &view.View{
		Measure:     SentBytes,
		TagKeys:     []tag.Key{KeyMessageType, KeyPeerID, KeyInstanceID},
		Aggregation: defaultBytesDistribution,
	}
	NetworkSizeView = &view.View{
		Measure:     NetworkSize,
		TagKeys:     []tag.Key{KeyPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	ReceptionsView = &view.View{
		Measure:     Receptions,
		TagKeys:     []tag.Key{KeyMessageType, KeyInstanceID},
		Aggregation: view.Count(),
	}
	DroppedMessagesView = &view.View{
		Measure:     DroppedMessages,
		TagKeys:     []tag.Key{KeyMessageType, KeyInstanceID},
		Aggregation: view.Count(),
	}
	StoredEntriesView = &view.View{
		Measure:     StoredEntries,
		TagKeys:     []tag.Key{KeyInstanceID},
		Aggregation: view.LastValue(),
	}
	RoutingTableSizeView = &view.View{
		Measure:     RoutingTableSize,
		TagKeys:     []tag.Key{KeyInstanceID},
		Aggregation: view.LastValue(),
	}
	TableConflictsView = &view.View{
		Measure:     TableConflicts,
		TagKeys:     []tag.Key{KeyInstanceID},
		Aggregation: view.LastValue(),
	}
	LookupDurationView = &view.View{
		Measure:     LookupDuration,
		TagKeys:     []tag.Key{KeyLookupKind, KeyInstanceID},
		Aggregation: defaultMillisecondsDistribution,
	}
)

// DefaultViews 包含所有默认视图
// 返回值:
//   - []*view.View 视图列表
var DefaultViews = []*view.View{
	ReceivedMessagesView,
	ReceivedMessageErrorsView,
	ReceivedBytesView,
	InboundRequestLatencyView,
	OutboundRequestLatencyView,
	SentMessagesView,
	SentMessageErrorsView,
	SentRequestsView,
	SentRequestErrorsView,
	SentBytesView,
	NetworkSizeView,
	ReceptionsView,
	DroppedMessagesView,
	StoredEntriesView,
	RoutingTableSizeView,
	TableConflictsView,
	LookupDurationView,
}
