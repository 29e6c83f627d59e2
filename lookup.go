package dht

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opentelemetry.io/otel/trace"

	"github.com/dep2p/kadnode/internal"
	kb "github.com/dep2p/kadnode/kbucket"
	"github.com/dep2p/kadnode/metrics"
	pb "github.com/dep2p/kadnode/pb"
	"github.com/dep2p/kadnode/qpeerset"
)

// GetClosestContacts 执行Kademlia节点查找
// 返回已响应的、距离key最近的至多K个联系人,按距离升序排列
//
// 参数:
//   - ctx: context.Context 上下文
//   - key: kb.ID 查找的目标,可以是本地ID
//
// 返回值:
//   - []kb.Contact 最近的联系人
//   - error 路由表为空返回ErrUnreachable,没有任何联系人响应返回ErrTimeout
func (dht *KadDHT) GetClosestContacts(ctx context.Context, key kb.ID) ([]kb.Contact, error) {
	ctx, span := internal.StartSpan(ctx, "GetClosestContacts", trace.WithAttributes(internal.KeyAsAttribute("Key", key.Bytes())))
	defer span.End()

	res, err := dht.lookupNodes(ctx, key)
	if err != nil {
		return nil, err
	}
	return res.peers, nil
}

// FindNode 向单个联系人发送FIND_NODE,返回它所知的距离target最近的联系人
// 不执行迭代查找,供爬虫等需要直接观察某个节点路由表的调用方使用
// to为本地节点时直接由本地路由表回答
//
// 参数:
//   - ctx: context.Context 上下文
//   - to: kb.Contact 被询问的联系人
//   - target: kb.ID 目标
//
// 返回值:
//   - []kb.Contact 联系人返回的联系人
//   - error 错误信息
func (dht *KadDHT) FindNode(ctx context.Context, to kb.Contact, target kb.ID) ([]kb.Contact, error) {
	if to.ID == dht.self.ID {
		return dht.routingTable.Closest(target, dht.bucketSize), nil
	}
	return dht.findNodeQueryFn(target)(ctx, to)
}

// lookupNodes 执行节点查找并记录其副作用: 网络规模估算、桶刷新时间和耗时指标
func (dht *KadDHT) lookupNodes(ctx context.Context, key kb.ID) (*lookupResult, error) {
	start := dht.clk.Now()
	lookupRes, _, err := dht.runQuery(ctx, KindNodeLookup, key, dht.findNodeQueryFn(key), func(*qpeerset.QueryPeerset) bool { return false })
	if err != nil {
		return nil, err
	}
	dht.recordLookupDuration(KindNodeLookup, start)

	if len(lookupRes.peers) == 0 {
		logger.Debugw("节点查找没有得到任何响应", "key", internal.LoggableKey(key.Bytes()))
		return nil, ErrTimeout
	}

	if err := ctx.Err(); err != nil || !lookupRes.completed {
		return lookupRes, nil
	}

	// 跟踪查找结果用于网络规模估算
	if len(lookupRes.closest) == dht.bucketSize {
		if err := dht.nsEstimator.Track(key, lookupRes.closest); err != nil {
			logger.Warnf("网络规模估算器跟踪联系人: %s", err)
		}
		if ns, err := dht.nsEstimator.NetworkSize(); err == nil {
			stats.Record(dht.ctx, metrics.NetworkSize.M(int64(ns)))
		}
	}

	// 由于查询成功,刷新此键的cpl
	dht.routingTable.ResetCplRefreshedAtForID(key, dht.clk.Now())

	return lookupRes, nil
}

// findNodeQueryFn 返回发送FIND_NODE请求的查询函数
// 参数:
//   - key: kb.ID 查找的目标
//
// 返回值:
//   - queryFn 查询函数
func (dht *KadDHT) findNodeQueryFn(key kb.ID) queryFn {
	return func(ctx context.Context, c kb.Contact) ([]kb.Contact, error) {
		req := pb.NewMessage(pb.Message_FIND_NODE, uuid.Nil, key.Bytes())
		req.Count = int32(dht.bucketSize)

		resp, err := dht.sendRequest(ctx, c, req)
		if err != nil {
			return nil, err
		}
		contacts := pb.PBPeersToContacts(resp.CloserPeers)
		logger.Debugf("%d 个更近的联系人: %s", len(contacts), c.ID.ShortString())
		return contacts, nil
	}
}

// recordLookupDuration 记录一次查找的耗时
func (dht *KadDHT) recordLookupDuration(kind string, start time.Time) {
	ctx, _ := tag.New(dht.ctx, tag.Upsert(metrics.KeyLookupKind, kind))
	stats.Record(ctx, metrics.LookupDuration.M(float64(dht.clk.Since(start))/float64(time.Millisecond)))
}
