package dht

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.uber.org/zap"

	"github.com/dep2p/kadnode/broker"
	"github.com/dep2p/kadnode/internal"
	kb "github.com/dep2p/kadnode/kbucket"
	"github.com/dep2p/kadnode/metrics"
	pb "github.com/dep2p/kadnode/pb"
)

// requestKey 标识相同的请求: 相同的接收方、类型和键
type requestKey struct {
	to   kb.ID
	addr string
	kind pb.Message_MessageType
	key  string
}

// inflightRequest 正在等待响应的请求
// sent在发送方完成发送后关闭,sendErr在关闭前写入
type inflightRequest struct {
	token    uuid.UUID
	start    time.Time
	deadline time.Time
	sent     chan struct{}
	sendErr  error
}

// finishSend 记录发送结果并唤醒合并到该请求上的等待者
func (fl *inflightRequest) finishSend(err error) {
	fl.sendErr = err
	close(fl.sent)
}

// handleMessage 处理传输层送来的每一条入站消息
// 消息先被校验,然后更新联系人表并记录到接收代理,请求类消息再交给对应的处理函数
//
// 参数:
//   - from: ma.Multiaddr 传输层看到的来源地址
//   - msg: *pb.Message 消息
func (dht *KadDHT) handleMessage(from ma.Multiaddr, msg *pb.Message) {
	ctx, _ := tag.New(dht.ctx, metrics.UpsertMessageType(msg))
	stats.Record(ctx, metrics.ReceivedMessages.M(1))

	if err := msg.Validate(); err != nil {
		stats.Record(ctx,
			metrics.ReceivedMessageErrors.M(1),
			metrics.DroppedMessages.M(1),
		)
		if c := baseLogger.Check(zap.DebugLevel, "丢弃无效消息"); c != nil {
			c.Write(zap.Stringer("from", from), zap.Error(err))
		}
		return
	}

	sender, _ := msg.SenderContact()
	if sender.ID == dht.self.ID {
		stats.Record(ctx, metrics.DroppedMessages.M(1))
		logger.Debugw("丢弃声称来自本节点的消息", "from", from)
		return
	}
	token, _ := msg.TokenUUID()

	// 任何有效RPC都说明发送方是活跃的
	// 先更新联系人表,等待响应的一方返回时已能在表中找到发送方
	dht.routingTable.Observe(sender)

	startTime := dht.clk.Now()
	dht.broker.Record(&broker.Reception{
		Kind:       msg.Type,
		Sender:     sender,
		Token:      token,
		ReceivedAt: startTime,
		Message:    msg,
	})
	stats.Record(ctx, metrics.Receptions.M(1))

	if msg.Type.IsResponse() {
		return
	}

	handler := dht.handlerForMsgType(msg.Type)
	if handler == nil {
		stats.Record(ctx, metrics.ReceivedMessageErrors.M(1))
		if c := baseLogger.Check(zap.DebugLevel, "无法处理接收到的消息"); c != nil {
			c.Write(zap.String("from", sender.ID.ShortString()),
				zap.Int32("type", int32(msg.Type)))
		}
		return
	}

	if c := baseLogger.Check(zap.DebugLevel, "正在处理消息"); c != nil {
		c.Write(zap.String("from", sender.ID.ShortString()),
			zap.Stringer("type", msg.Type),
			zap.Stringer("key", internal.LoggableKey(msg.Key)))
	}
	resp, err := handler(ctx, sender, msg)
	if err != nil {
		stats.Record(ctx, metrics.ReceivedMessageErrors.M(1))
		if c := baseLogger.Check(zap.DebugLevel, "处理消息时出错"); c != nil {
			c.Write(zap.String("from", sender.ID.ShortString()),
				zap.Stringer("type", msg.Type),
				zap.Stringer("key", internal.LoggableKey(msg.Key)),
				zap.Error(err))
		}
		return
	}

	resp.SetSender(dht.self)

	// 发送响应消息
	sctx, cancel := context.WithTimeout(ctx, dht.networkTimeout)
	defer cancel()
	if err := dht.transport.Send(sctx, sender.Addr, resp); err != nil {
		stats.Record(ctx, metrics.ReceivedMessageErrors.M(1))
		if c := baseLogger.Check(zap.DebugLevel, "写入响应时出错"); c != nil {
			c.Write(zap.String("to", sender.ID.ShortString()),
				zap.Stringer("addr", sender.Addr),
				zap.Stringer("type", msg.Type),
				zap.Error(err))
		}
		return
	}

	elapsedTime := dht.clk.Since(startTime)
	if c := baseLogger.Check(zap.DebugLevel, "已响应消息"); c != nil {
		c.Write(zap.String("from", sender.ID.ShortString()),
			zap.Stringer("type", msg.Type),
			zap.Duration("time", elapsedTime))
	}

	latencyMillis := float64(elapsedTime) / float64(time.Millisecond)
	stats.Record(ctx, metrics.InboundRequestLatency.M(latencyMillis))
}

// sendRequest 向联系人发送请求并等待带相同令牌的第一个响应
// 如果同一请求(相同接收方、类型和键)已经在等待响应,则不再发送,直接等待那个请求的响应
// STORE请求携带各自的数据,从不合并
//
// 参数:
//   - ctx: context.Context 上下文
//   - to: kb.Contact 接收方,ID为零值时不校验响应方
//   - req: *pb.Message 请求消息,令牌和发送方由本函数填写
//
// 返回值:
//   - *pb.Message 响应消息
//   - error 超时返回ErrTimeout,发送失败返回ErrUnreachable,响应不匹配返回ErrInvalidResponse
func (dht *KadDHT) sendRequest(ctx context.Context, to kb.Contact, req *pb.Message) (*pb.Message, error) {
	if to.Addr == nil {
		return nil, fmt.Errorf("%w: 联系人 %s 没有地址", ErrUnreachable, to.ID.ShortString())
	}
	ctx, _ = tag.New(ctx, metrics.UpsertMessageType(req))

	start := dht.clk.Now()
	window := dht.networkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if rem := dht.clk.Until(deadline); rem < window {
			window = rem
		}
	}
	if window <= 0 {
		return nil, ErrTimeout
	}

	rk := requestKey{to: to.ID, addr: string(to.Addr.Bytes()), kind: req.Type, key: string(req.Key)}
	fl, owner := dht.registerRequest(rk, req.Type != pb.Message_STORE, start, window)
	if owner {
		defer dht.forgetRequest(rk, fl.token)

		req.Token = fl.token[:]
		req.SetSender(dht.self)
		err := dht.transport.Send(ctx, to.Addr, req)
		fl.finishSend(err)
		if err != nil {
			logger.Debugw("发送请求失败", "to", to.ID.ShortString(), "addr", to.Addr, "error", err)
			return nil, dht.requestFailed(ctx, fmt.Errorf("%w: %v", ErrUnreachable, err))
		}
	} else {
		if c := baseLogger.Check(zap.DebugLevel, "复用正在等待的请求"); c != nil {
			c.Write(zap.String("to", to.ID.ShortString()), zap.Stringer("type", req.Type))
		}
		select {
		case <-fl.sent:
		case <-ctx.Done():
			return nil, dht.requestFailed(ctx, ctx.Err())
		}
		if fl.sendErr != nil {
			return nil, dht.requestFailed(ctx, fmt.Errorf("%w: %v", ErrUnreachable, fl.sendErr))
		}
		// 只等待到原请求的截止时间
		if rem := fl.deadline.Sub(dht.clk.Now()); rem < window {
			window = rem
		}
		if window <= 0 {
			return nil, dht.requestFailed(ctx, broker.ErrNoReply)
		}
	}

	rec, err := dht.broker.FirstReply(ctx, fl.token, fl.start, window)
	if err != nil {
		return nil, dht.requestFailed(ctx, err)
	}

	stats.Record(ctx,
		metrics.SentRequests.M(1),
		metrics.OutboundRequestLatency.M(float64(dht.clk.Since(start))/float64(time.Millisecond)),
	)

	if !to.ID.IsZero() && rec.Sender.ID != to.ID {
		logger.Debugw("响应来自意外的发送方", "expected", to.ID.ShortString(), "got", rec.Sender.ID.ShortString())
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, internal.ErrUnexpectedSender)
	}
	if rec.Kind != req.Type.ResponseType() {
		logger.Debugw("响应类型不匹配", "request", req.Type, "response", rec.Kind)
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, internal.ErrUnexpectedReply)
	}
	return rec.Message, nil
}

// requestFailed 记录失败的请求,并把等待响应时的错误转换为ErrTimeout
func (dht *KadDHT) requestFailed(ctx context.Context, err error) error {
	stats.Record(ctx,
		metrics.SentRequests.M(1),
		metrics.SentRequestErrors.M(1),
	)
	if errors.Is(err, broker.ErrNoReply) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// registerRequest 为请求分配令牌
// 可合并且已有相同请求在等待时返回那个请求,调用方只需等待它的响应
//
// 返回值:
//   - *inflightRequest 请求记录
//   - bool 调用方是否需要自己发送请求
func (dht *KadDHT) registerRequest(rk requestKey, mergeable bool, now time.Time, window time.Duration) (*inflightRequest, bool) {
	fl := &inflightRequest{
		token:    uuid.New(),
		start:    now,
		deadline: now.Add(window),
		sent:     make(chan struct{}),
	}
	if !mergeable {
		return fl, true
	}

	dht.inflightLk.Lock()
	defer dht.inflightLk.Unlock()

	if cur, ok := dht.inflight.Get(rk); ok && now.Before(cur.deadline) {
		return cur, false
	}
	dht.inflight.Add(rk, fl)
	return fl, true
}

// forgetRequest 请求结束后移除记录,记录已被新请求替换时不做任何事
func (dht *KadDHT) forgetRequest(rk requestKey, token uuid.UUID) {
	dht.inflightLk.Lock()
	defer dht.inflightLk.Unlock()

	if cur, ok := dht.inflight.Peek(rk); ok && cur.token == token {
		dht.inflight.Remove(rk)
	}
}
