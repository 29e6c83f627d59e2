package dht

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/dep2p/kadnode/broker"
	"github.com/dep2p/kadnode/internal"
	dhtcfg "github.com/dep2p/kadnode/internal/config"
	kb "github.com/dep2p/kadnode/kbucket"
	"github.com/dep2p/kadnode/netsize"
	pb "github.com/dep2p/kadnode/pb"
	"github.com/dep2p/kadnode/qpeerset"
	"github.com/dep2p/kadnode/storage"
)

// 缓存生存时间低于此值时不再缓存
const minCacheTTL = time.Second

// cacheCertainty 估计缓存点与键之间节点数时使用的确定度
const cacheCertainty = 0.9

// Store 把payload存储到距离key最近的K个节点上
// 先执行节点查找,然后并发发送STORE,本地节点属于最近的K个时也存储在本地
// 所有存储请求结束后才返回
//
// 参数:
//   - ctx: context.Context 上下文
//   - key: kb.ID 键
//   - payload: []byte 负载
//   - opts: ...StoreOption 存储选项
//
// 返回值:
//   - error 确认数达到法定数时返回nil;部分确认时返回*PartialReplicationError;没有任何确认时返回ErrTimeout
func (dht *KadDHT) Store(ctx context.Context, key kb.ID, payload []byte, opts ...StoreOption) (err error) {
	ctx, span := internal.StartSpan(ctx, "Store", trace.WithAttributes(internal.KeyAsAttribute("Key", key.Bytes())))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var so dhtcfg.StoreOptions
	if err := so.Apply(opts...); err != nil {
		return opError("Store", err)
	}
	if so.TTL == 0 {
		so.TTL = dht.entryTTL
	}

	logger.Debugw("存储", "key", internal.LoggableKey(key.Bytes()), "payload", internal.LoggablePayload(payload))
	err = dht.storeNetwork(ctx, key, payload, &so)
	return opError("Store", err)
}

// storeNetwork 把条目复制到最近的节点上
// 参数:
//   - ctx: context.Context 上下文
//   - key: kb.ID 键
//   - payload: []byte 负载
//   - so: *dhtcfg.StoreOptions 存储选项
//
// 返回值:
//   - error 错误信息
func (dht *KadDHT) storeNetwork(ctx context.Context, key kb.ID, payload []byte, so *dhtcfg.StoreOptions) error {
	var closest []kb.Contact
	res, err := dht.lookupNodes(ctx, key)
	switch {
	case err == nil:
		closest = res.peers
	case errors.Is(err, kb.ErrLookupFailure):
		// 路由表为空,本节点就是已知最近的节点
		logger.Debugw("路由表为空,仅在本地存储", "key", internal.LoggableKey(key.Bytes()))
	default:
		return err
	}

	storeLocal := dht.selfAmongClosest(key, closest)
	targets := len(closest)
	if storeLocal {
		targets++
	}
	quorum := dhtcfg.GetQuorum(so, targets, dht.storeQuorum)

	var (
		mu   sync.Mutex
		acks int
		errs error
		wg   sync.WaitGroup
	)
	ack := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = multierr.Append(errs, err)
			return
		}
		acks++
	}

	if storeLocal {
		err := dht.store.Put(ctx, key, payload, so.TTL)
		if err != nil {
			err = fmt.Errorf("本地存储失败: %w", err)
		}
		ack(err)
	}

	wg.Add(len(closest))
	for _, c := range closest {
		go func(c kb.Contact) {
			defer wg.Done()
			ack(dht.putEntry(ctx, c, key, payload, so.TTL, false))
		}(c)
	}
	wg.Wait()

	logger.Debugw("存储完成", "key", internal.LoggableKey(key.Bytes()), "acks", acks, "quorum", quorum, "targets", targets)
	switch {
	case acks >= quorum:
		return nil
	case acks > 0:
		return &PartialReplicationError{Acks: acks, Quorum: quorum, Targets: targets, Errs: errs}
	default:
		return fmt.Errorf("%w: %w", ErrTimeout, errs)
	}
}

// selfAmongClosest 判断本地节点是否属于距离key最近的K个节点
func (dht *KadDHT) selfAmongClosest(key kb.ID, closest []kb.Contact) bool {
	if len(closest) < dht.bucketSize {
		return true
	}
	return kb.Closer(dht.self.ID, closest[len(closest)-1].ID, key)
}

// putEntry 向联系人发送STORE请求
// 参数:
//   - ctx: context.Context 上下文
//   - c: kb.Contact 接收方
//   - key: kb.ID 键
//   - payload: []byte 负载
//   - ttl: time.Duration 生存时间
//   - cached: bool 是否作为缓存条目存储
//
// 返回值:
//   - error 接收方拒绝时返回包含拒绝原因的错误
func (dht *KadDHT) putEntry(ctx context.Context, c kb.Contact, key kb.ID, payload []byte, ttl time.Duration, cached bool) error {
	req := pb.NewMessage(pb.Message_STORE, uuid.Nil, key.Bytes())
	req.Records = []pb.Record{pb.NewRecord(payload, ttl)}
	req.Cached = cached

	resp, err := dht.sendRequest(ctx, c, req)
	if err != nil {
		return fmt.Errorf("存储到 %s 失败: %w", c.ID.ShortString(), err)
	}
	if resp.Result != pb.StoreResult_OK {
		return fmt.Errorf("%s 拒绝存储: %s", c.ID.ShortString(), resp.Result)
	}
	return nil
}

// valueCollector 收集值查找过程中各联系人返回的条目
type valueCollector struct {
	mu      sync.Mutex
	entries []storage.Entry
	holders map[kb.ID]struct{}
}

// add 合并条目,相同负载只保留剩余时间最长的一个
func (vc *valueCollector) add(from kb.ID, entries []storage.Entry) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	vc.holders[from] = struct{}{}
	vc.entries = mergeEntries(vc.entries, entries)
}

func (vc *valueCollector) found() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return len(vc.entries) > 0
}

func (vc *valueCollector) holds(id kb.ID) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	_, ok := vc.holders[id]
	return ok
}

func (vc *valueCollector) result() []storage.Entry {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return append([]storage.Entry(nil), vc.entries...)
}

// mergeEntries 把add合并到dst中,负载相同的条目视为同一个
func mergeEntries(dst []storage.Entry, add []storage.Entry) []storage.Entry {
next:
	for _, e := range add {
		for i := range dst {
			if bytes.Equal(dst[i].Payload, e.Payload) {
				if e.ExpiresAt.After(dst[i].ExpiresAt) {
					dst[i] = e
				}
				continue next
			}
		}
		dst = append(dst, e)
	}
	return dst
}

// Retrieve 查找key对应的全部条目
// 本地条目和值查找的结果合并后返回,查找成功后在最近的未持有该值的节点上缓存
//
// 参数:
//   - ctx: context.Context 上下文
//   - key: kb.ID 键
//
// 返回值:
//   - []storage.Entry 条目,相同负载只出现一次
//   - error 查找结束仍未找到返回ErrNotFound;没有联系人且本地没有返回ErrUnreachable
func (dht *KadDHT) Retrieve(ctx context.Context, key kb.ID) (_ []storage.Entry, err error) {
	ctx, span := internal.StartSpan(ctx, "Retrieve", trace.WithAttributes(internal.KeyAsAttribute("Key", key.Bytes())))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	local, err := dht.store.Get(ctx, key)
	if err != nil {
		return nil, opError("Retrieve", err)
	}

	vc := &valueCollector{holders: make(map[kb.ID]struct{})}
	start := dht.clk.Now()
	lookupRes, qps, err := dht.runQuery(ctx, KindValueLookup, key,
		dht.findValueQueryFn(key, vc),
		func(*qpeerset.QueryPeerset) bool { return vc.found() },
	)
	if err != nil {
		if len(local) > 0 {
			logger.Debugw("值查找失败,返回本地条目", "key", internal.LoggableKey(key.Bytes()), "error", err)
			return local, nil
		}
		return nil, opError("Retrieve", err)
	}
	dht.recordLookupDuration(KindValueLookup, start)

	found := vc.result()
	if len(found) == 0 {
		if len(local) > 0 {
			return local, nil
		}
		if len(lookupRes.peers) == 0 || ctx.Err() != nil {
			return nil, opError("Retrieve", ErrTimeout)
		}
		return nil, opError("Retrieve", ErrNotFound)
	}

	span.AddEvent("found", trace.WithAttributes(attribute.Int("entries", len(found))))
	dht.cacheAtClosestNonHolder(ctx, key, found, qps, vc)

	return mergeEntries(local, found), nil
}

// findValueQueryFn 返回发送FIND_VALUE请求的查询函数
// 响应中的条目写入vc,更近的联系人继续参与查找
func (dht *KadDHT) findValueQueryFn(key kb.ID, vc *valueCollector) queryFn {
	return func(ctx context.Context, c kb.Contact) ([]kb.Contact, error) {
		resp, err := dht.sendRequest(ctx, c, pb.NewMessage(pb.Message_FIND_VALUE, uuid.Nil, key.Bytes()))
		if err != nil {
			return nil, err
		}

		now := dht.clk.Now()
		entries := make([]storage.Entry, 0, len(resp.Records))
		for i := range resp.Records {
			rec := &resp.Records[i]
			ttl := rec.TTL()
			if ttl <= 0 {
				continue
			}
			entries = append(entries, storage.Entry{
				Key:       key,
				Payload:   rec.Payload,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
				TTL:       ttl,
			})
		}
		if len(entries) > 0 {
			logger.Debugw("找到条目", "from", c.ID.ShortString(), "key", internal.LoggableKey(key.Bytes()), "count", len(entries))
			vc.add(c.ID, entries)
		}
		return pb.PBPeersToContacts(resp.CloserPeers), nil
	}
}

// cacheAtClosestNonHolder 在已查询、未返回该值的最近联系人上缓存条目
// 缓存的生存时间随缓存点与键之间的节点数指数衰减
func (dht *KadDHT) cacheAtClosestNonHolder(ctx context.Context, key kb.ID, found []storage.Entry, qps *qpeerset.QueryPeerset, vc *valueCollector) {
	var cacher kb.Contact
	ok := false
	for _, c := range qps.GetClosestInStates(qpeerset.PeerQueried) {
		if !vc.holds(c.ID) {
			cacher, ok = c, true
			break
		}
	}
	if !ok {
		return
	}

	ttl := dht.cacheTTLFor(cacher.ID, key, qps)
	if ttl < minCacheTTL {
		logger.Debugw("缓存生存时间过短,不缓存", "cacher", cacher.ID.ShortString(), "ttl", ttl)
		return
	}

	for _, e := range found {
		t := ttl
		if rem := e.Remaining(dht.clk.Now()); rem < t {
			t = rem
		}
		if t < minCacheTTL {
			continue
		}
		if err := dht.putEntry(ctx, cacher, key, e.Payload, t, true); err != nil {
			logger.Debugw("缓存条目失败", "cacher", cacher.ID.ShortString(), "error", err)
		}
	}
}

// cacheTTLFor 计算在cacher上缓存key的生存时间
// 网络规模估计可用时按其估计cacher与key之间的节点数,否则使用查找中见到的更近联系人数
func (dht *KadDHT) cacheTTLFor(cacher kb.ID, key kb.ID, qps *qpeerset.QueryPeerset) time.Duration {
	between, err := dht.nsEstimator.NodesWithin(netsize.NormedDistance(cacher, key), cacheCertainty)
	if err != nil {
		between = qps.CountCloserThan(cacher,
			qpeerset.PeerHeard, qpeerset.PeerWaiting, qpeerset.PeerQueried, qpeerset.PeerUnreachable)
	}

	shift := between - dht.distThreshold
	if shift <= 0 {
		return dht.cacheTTL
	}
	if shift >= 63 {
		return 0
	}
	return dht.cacheTTL >> uint(shift)
}

// Ping 向标识符为id的节点发送PING并等待PING_RESPONSE
// 路由表中没有该节点时先执行节点查找
//
// 参数:
//   - ctx: context.Context 上下文
//   - id: kb.ID 目标节点
//
// 返回值:
//   - error 找不到节点返回ErrUnreachable,没有响应返回ErrTimeout
func (dht *KadDHT) Ping(ctx context.Context, id kb.ID) error {
	ctx, span := internal.StartSpan(ctx, "Ping", trace.WithAttributes(attribute.String("ID", id.ShortString())))
	defer span.End()

	c, ok := dht.routingTable.Find(id)
	if !ok {
		closest, err := dht.GetClosestContacts(ctx, id)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return opError("Ping", err)
		}
		for _, cc := range closest {
			if cc.ID == id {
				c, ok = cc, true
				break
			}
		}
		if !ok {
			return opError("Ping", fmt.Errorf("%w: 找不到节点 %s", ErrUnreachable, id.ShortString()))
		}
	}
	return opError("Ping", dht.pingContact(ctx, c))
}

// pingContact 向联系人发送PING
func (dht *KadDHT) pingContact(ctx context.Context, c kb.Contact) error {
	_, err := dht.sendRequest(ctx, c, pb.NewMessage(pb.Message_PING, uuid.Nil, nil))
	return err
}

// PingAddr 向地址发送PING,不要求知道对方的标识符
// 响应方会经由入站处理进入路由表
//
// 参数:
//   - ctx: context.Context 上下文
//   - addr: ma.Multiaddr 地址
//
// 返回值:
//   - kb.Contact 响应方
//   - error 错误信息
func (dht *KadDHT) PingAddr(ctx context.Context, addr ma.Multiaddr) (kb.Contact, error) {
	resp, err := dht.sendRequest(ctx, kb.Contact{Addr: addr}, pb.NewMessage(pb.Message_PING, uuid.Nil, nil))
	if err != nil {
		return kb.Contact{}, opError("PingAddr", err)
	}
	return resp.SenderContact()
}

// Receptions 返回在window内按filter过滤的入站消息流
// 通道在窗口结束或ctx取消后关闭
//
// 参数:
//   - ctx: context.Context 上下文
//   - filter: broker.Filter 过滤条件
//   - window: time.Duration 时间窗口
//
// 返回值:
//   - <-chan *broker.Reception 接收记录
func (dht *KadDHT) Receptions(ctx context.Context, filter broker.Filter, window time.Duration) <-chan *broker.Reception {
	return dht.broker.Listen(ctx, filter, window)
}

// republishEntry 以条目剩余的生存时间重新发布一个本地条目
// 重新发布不会延长条目的过期时间
func (dht *KadDHT) republishEntry(ctx context.Context, e storage.Entry) error {
	remaining := e.Remaining(dht.clk.Now())
	if remaining <= 0 {
		return nil
	}
	so := &dhtcfg.StoreOptions{TTL: remaining}
	err := dht.storeNetwork(ctx, e.Key, e.Payload, so)
	var pre *PartialReplicationError
	if errors.As(err, &pre) {
		logger.Debugw("重新发布部分成功", "key", internal.LoggableKey(e.Key.Bytes()), "acks", pre.Acks)
		return nil
	}
	return err
}
