package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/dep2p/kadnode/internal"
	"github.com/dep2p/kadnode/metrics"
	pb "github.com/dep2p/kadnode/pb"
)

// 入站连接空闲超时时间
var connIdleTimeout = 1 * time.Minute

// streamReuseTries 是写入连续失败后放弃重用连接、改为每条消息一个连接之前允许的次数
const streamReuseTries = 3

// TCPTransport 基于TCP的传输层
// 每个远端地址缓存一个出站连接,只用于写入,响应由远端主动连回
type TCPTransport struct {
	ln     manet.Listener
	dialer manet.Dialer

	hlk     sync.RWMutex
	handler Handler

	smlk    sync.Mutex
	strmap  map[string]*peerMessageSender
	inbound map[manet.Conn]struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Transport = (*TCPTransport)(nil)

// ListenTCP 在地址上监听并创建TCP传输层
// 参数:
//   - addr: ma.Multiaddr 监听地址,例如 /ip4/0.0.0.0/tcp/4001
//
// 返回值:
//   - *TCPTransport 传输层实例
//   - error 错误信息
func ListenTCP(addr ma.Multiaddr) (*TCPTransport, error) {
	ln, err := manet.Listen(addr)
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{
		ln:      ln,
		strmap:  make(map[string]*peerMessageSender),
		inbound: make(map[manet.Conn]struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// LocalAddr 返回实际监听的地址
func (t *TCPTransport) LocalAddr() ma.Multiaddr {
	return t.ln.Multiaddr()
}

// SetHandler 设置入站消息的处理函数
func (t *TCPTransport) SetHandler(h Handler) {
	t.hlk.Lock()
	t.handler = h
	t.hlk.Unlock()
}

func (t *TCPTransport) getHandler() Handler {
	t.hlk.RLock()
	defer t.hlk.RUnlock()
	return t.handler
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.ln.Accept()
		if err != nil {
			if t.ctx.Err() == nil {
				logger.Warnw("接受连接失败", "error", err)
			}
			return
		}
		t.smlk.Lock()
		if t.closed {
			t.smlk.Unlock()
			_ = c.Close()
			return
		}
		t.inbound[c] = struct{}{}
		t.smlk.Unlock()

		t.wg.Add(1)
		go t.handleConn(c)
	}
}

// handleConn 读取入站连接上的消息,直到连接关闭或出错
func (t *TCPTransport) handleConn(c manet.Conn) {
	defer t.wg.Done()
	defer func() {
		_ = c.Close()
		t.smlk.Lock()
		delete(t.inbound, c)
		t.smlk.Unlock()
	}()

	r := msgio.NewVarintReaderSize(c, MessageSizeMax)
	from := c.RemoteMultiaddr()

	timer := time.AfterFunc(connIdleTimeout, func() { _ = c.Close() })
	defer timer.Stop()

	for {
		mes, n, err := ReadMsg(r)
		if err != nil {
			if errors.Is(err, io.EOF) || t.ctx.Err() != nil {
				return
			}
			logger.Debugw("读取消息时出错", "from", from, "error", err)
			if n > 0 {
				_ = stats.RecordWithTags(t.ctx,
					[]tag.Mutator{tag.Upsert(metrics.KeyMessageType, "UNKNOWN")},
					metrics.ReceivedMessages.M(1),
					metrics.ReceivedMessageErrors.M(1),
					metrics.ReceivedBytes.M(int64(n)),
				)
			}
			return
		}
		timer.Reset(connIdleTimeout)

		_ = stats.RecordWithTags(t.ctx,
			[]tag.Mutator{metrics.UpsertMessageType(mes)},
			metrics.ReceivedBytes.M(int64(n)),
		)
		if h := t.getHandler(); h != nil {
			h(from, mes)
		}
	}
}

// Send 向地址to发送一条消息
// 参数:
//   - ctx: context.Context 上下文
//   - to: ma.Multiaddr 目标地址
//   - pmes: *pb.Message 要发送的消息
//
// 返回值:
//   - error 错误信息
func (t *TCPTransport) Send(ctx context.Context, to ma.Multiaddr, pmes *pb.Message) error {
	ctx, _ = tag.New(ctx, metrics.UpsertMessageType(pmes))

	ms, err := t.messageSenderForAddr(ctx, to)
	if err != nil {
		stats.Record(ctx,
			metrics.SentMessages.M(1),
			metrics.SentMessageErrors.M(1),
		)
		logger.Debugw("打开消息发送器失败", "error", err, "to", to)
		return err
	}

	if err := ms.SendMessage(ctx, pmes); err != nil {
		stats.Record(ctx,
			metrics.SentMessages.M(1),
			metrics.SentMessageErrors.M(1),
		)
		logger.Debugw("消息发送失败", "error", err, "to", to)
		return err
	}

	stats.Record(ctx,
		metrics.SentMessages.M(1),
		metrics.SentBytes.M(int64(pmes.Size())),
	)
	return nil
}

// messageSenderForAddr 获取或创建地址对应的消息发送器
func (t *TCPTransport) messageSenderForAddr(ctx context.Context, to ma.Multiaddr) (*peerMessageSender, error) {
	key := string(to.Bytes())
	t.smlk.Lock()
	if t.closed {
		t.smlk.Unlock()
		return nil, ErrClosed
	}
	ms, ok := t.strmap[key]
	if ok {
		t.smlk.Unlock()
		return ms, nil
	}
	ms = &peerMessageSender{addr: to, t: t, lk: internal.NewCtxMutex()}
	t.strmap[key] = ms
	t.smlk.Unlock()

	if err := ms.prepOrInvalidate(ctx); err != nil {
		t.smlk.Lock()
		defer t.smlk.Unlock()

		if msCur, ok := t.strmap[key]; ok {
			// 已更改。使用新的,旧的无效且不在map中,可以直接丢弃
			if ms != msCur {
				return msCur, nil
			}
			// 未更改,从map中删除现在无效的发送器
			delete(t.strmap, key)
		}
		return nil, err
	}
	return ms, nil
}

// Close 关闭监听器和所有连接
func (t *TCPTransport) Close() error {
	t.smlk.Lock()
	if t.closed {
		t.smlk.Unlock()
		return nil
	}
	t.closed = true
	senders := t.strmap
	t.strmap = make(map[string]*peerMessageSender)
	for c := range t.inbound {
		_ = c.Close()
	}
	t.smlk.Unlock()

	t.cancel()
	err := t.ln.Close()
	for _, ms := range senders {
		ms.closeAsync()
	}
	t.wg.Wait()
	return err
}

// peerMessageSender 负责向特定地址发送消息
type peerMessageSender struct {
	c    manet.Conn
	lk   internal.CtxMutex
	addr ma.Multiaddr
	t    *TCPTransport

	invalid   bool
	singleMes int
}

// invalidate 在从strmap中删除此peerMessageSender之前调用。
// 它防止peerMessageSender被重用后被遗忘(保持连接打开)。
func (ms *peerMessageSender) invalidate() {
	ms.invalid = true
	if ms.c != nil {
		_ = ms.c.Close()
		ms.c = nil
	}
}

// closeAsync 在不阻塞调用方的情况下使发送器失效
func (ms *peerMessageSender) closeAsync() {
	if ms.lk.TryLock() {
		ms.invalidate()
		ms.lk.Unlock()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connIdleTimeout)
		defer cancel()
		if err := ms.lk.Lock(ctx); err != nil {
			return
		}
		defer ms.lk.Unlock()
		ms.invalidate()
	}()
}

func (ms *peerMessageSender) prepOrInvalidate(ctx context.Context) error {
	if err := ms.lk.Lock(ctx); err != nil {
		return err
	}
	defer ms.lk.Unlock()

	if err := ms.prep(ctx); err != nil {
		ms.invalidate()
		return err
	}
	return nil
}

func (ms *peerMessageSender) prep(ctx context.Context) error {
	if ms.invalid {
		return fmt.Errorf("消息发送器已失效")
	}
	if ms.c != nil {
		return nil
	}

	c, err := ms.t.dialer.DialContext(ctx, ms.addr)
	if err != nil {
		return err
	}
	ms.c = c
	return nil
}

// SendMessage 发送消息,写入失败时重新建立连接并重试一次
// 参数:
//   - ctx: context.Context 上下文
//   - pmes: *pb.Message 要发送的消息
//
// 返回值:
//   - error 错误信息
func (ms *peerMessageSender) SendMessage(ctx context.Context, pmes *pb.Message) error {
	if err := ms.lk.Lock(ctx); err != nil {
		return err
	}
	defer ms.lk.Unlock()

	retry := false
	for {
		if err := ms.prep(ctx); err != nil {
			return err
		}

		// 没有截止时间时清除上一次的写入期限
		deadline, _ := ctx.Deadline()
		_ = ms.c.SetWriteDeadline(deadline)
		if err := WriteMsg(ms.c, pmes); err != nil {
			_ = ms.c.Close()
			ms.c = nil

			if retry {
				logger.Debugw("写入消息出错", "error", err)
				return err
			}
			logger.Debugw("写入消息出错", "error", err, "retrying", true)
			retry = true
			continue
		}

		var err error
		if ms.singleMes > streamReuseTries {
			err = ms.c.Close()
			ms.c = nil
		} else if retry {
			ms.singleMes++
		}

		return err
	}
}
