package dht

import (
	"context"
	"errors"
	"fmt"

	"go.opencensus.io/stats"

	"github.com/dep2p/kadnode/internal"
	kb "github.com/dep2p/kadnode/kbucket"
	"github.com/dep2p/kadnode/metrics"
	pb "github.com/dep2p/kadnode/pb"
	"github.com/dep2p/kadnode/storage"
)

// dhtHandler 指定处理DHT消息的函数签名
type dhtHandler func(context.Context, kb.Contact, *pb.Message) (*pb.Message, error)

// handlerForMsgType 根据消息类型返回对应的处理函数
// 参数:
//   - t: pb.Message_MessageType 消息类型
//
// 返回值:
//   - dhtHandler 处理函数
func (dht *KadDHT) handlerForMsgType(t pb.Message_MessageType) dhtHandler {
	switch t {
	case pb.Message_PING:
		return dht.handlePing
	case pb.Message_FIND_NODE:
		return dht.handleFindNode
	case pb.Message_FIND_VALUE:
		return dht.handleFindValue
	case pb.Message_STORE:
		return dht.handleStore
	}
	return nil
}

// handlePing 处理ping请求
func (dht *KadDHT) handlePing(_ context.Context, from kb.Contact, pmes *pb.Message) (*pb.Message, error) {
	logger.Debugf("%s 响应来自 %s 的ping", dht.self.ID.ShortString(), from.ID.ShortString())
	return pb.NewResponse(pmes), nil
}

// handleFindNode 处理查找节点请求
// 参数:
//   - ctx: context.Context 上下文
//   - from: kb.Contact 请求方
//   - pmes: *pb.Message 请求消息
//
// 返回值:
//   - *pb.Message 响应消息
//   - error 错误信息
func (dht *KadDHT) handleFindNode(_ context.Context, from kb.Contact, pmes *pb.Message) (*pb.Message, error) {
	target, err := pmes.KeyID()
	if err != nil {
		return nil, err
	}

	count := int(pmes.Count)
	if count <= 0 || count > dht.bucketSize {
		count = dht.bucketSize
	}

	resp := pb.NewResponse(pmes)
	closer := dht.nearestContactsToQuery(target, from.ID, count)
	if len(closer) == 0 {
		logger.Debugw("没有更近的联系人可发送", "from", from.ID.ShortString())
	}
	resp.CloserPeers = pb.ContactsToPBPeers(closer)
	return resp, nil
}

// handleFindValue 处理查找值请求
// 本地有条目时返回全部未过期条目,同时总是附带更近的联系人
//
// 参数:
//   - ctx: context.Context 上下文
//   - from: kb.Contact 请求方
//   - pmes: *pb.Message 请求消息
//
// 返回值:
//   - *pb.Message 响应消息
//   - error 错误信息
func (dht *KadDHT) handleFindValue(ctx context.Context, from kb.Contact, pmes *pb.Message) (*pb.Message, error) {
	key, err := pmes.KeyID()
	if err != nil {
		return nil, err
	}

	entries, err := dht.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("读取本地存储失败: %w", err)
	}

	resp := pb.NewResponse(pmes)
	now := dht.clk.Now()
	for _, e := range entries {
		rem := e.Remaining(now)
		if rem <= 0 {
			continue
		}
		resp.Records = append(resp.Records, pb.NewRecord(e.Payload, rem))
	}
	if len(resp.Records) > 0 {
		logger.Debugw("handleFindValue 返回本地条目", "key", internal.LoggableKey(pmes.Key), "count", len(resp.Records))
	}

	resp.CloserPeers = pb.ContactsToPBPeers(dht.nearestContactsToQuery(key, from.ID, dht.bucketSize))
	return resp, nil
}

// handleStore 处理存储请求
// cached标记的请求作为缓存条目保存,其生存时间不可续期
//
// 参数:
//   - ctx: context.Context 上下文
//   - from: kb.Contact 请求方
//   - pmes: *pb.Message 请求消息
//
// 返回值:
//   - *pb.Message 响应消息,Result说明存储结果
//   - error 错误信息
func (dht *KadDHT) handleStore(ctx context.Context, from kb.Contact, pmes *pb.Message) (*pb.Message, error) {
	key, err := pmes.KeyID()
	if err != nil {
		return nil, err
	}

	resp := pb.NewResponse(pmes)
	resp.Result = pb.StoreResult_OK

	for i := range pmes.Records {
		rec := &pmes.Records[i]
		ttl := rec.TTL()
		if pmes.Cached {
			err = dht.store.Cache(ctx, key, rec.Payload, ttl)
		} else {
			err = dht.store.Put(ctx, key, rec.Payload, ttl)
		}

		switch {
		case err == nil:
		case errors.Is(err, storage.ErrBlobTooBig):
			resp.Result = pb.StoreResult_BLOB_TOO_BIG
		case errors.Is(err, storage.ErrStorageFull):
			resp.Result = pb.StoreResult_STORAGE_FULL
		default:
			return nil, err
		}
		if resp.Result != pb.StoreResult_OK {
			logger.Debugw("拒绝存储请求", "from", from.ID.ShortString(), "key", internal.LoggableKey(pmes.Key), "result", resp.Result)
			break
		}
	}

	stats.Record(ctx, metrics.StoredEntries.M(int64(dht.store.Len())))
	return resp, nil
}
