package net

import (
	"context"
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	pb "github.com/dep2p/kadnode/pb"
)

// memBasePort 内存地址的起始端口
const memBasePort = 20000

// Hub 进程内的消息交换中心,用于测试
// 每个连接到Hub的传输层分配一个虚拟地址,消息经过编解码后异步投递
type Hub struct {
	mu      sync.RWMutex
	nodes   map[string]*MemTransport
	dropped map[string]struct{}
	next    int
	wg      sync.WaitGroup
}

// NewHub 创建一个新的消息交换中心
func NewHub() *Hub {
	return &Hub{
		nodes:   make(map[string]*MemTransport),
		dropped: make(map[string]struct{}),
	}
}

// NewTransport 在Hub上创建一个新的传输层
// 返回值:
//   - *MemTransport 内存传输层
func (h *Hub) NewTransport() *MemTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := ma.StringCast(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", memBasePort+h.next))
	h.next++
	t := &MemTransport{hub: h, addr: addr}
	h.nodes[string(addr.Bytes())] = t
	return t
}

// Drop 使地址上的节点静默:发往它的和它发出的消息都被丢弃
func (h *Hub) Drop(addr ma.Multiaddr) {
	h.mu.Lock()
	h.dropped[string(addr.Bytes())] = struct{}{}
	h.mu.Unlock()
}

// Restore 恢复被静默的节点
func (h *Hub) Restore(addr ma.Multiaddr) {
	h.mu.Lock()
	delete(h.dropped, string(addr.Bytes()))
	h.mu.Unlock()
}

// Wait 等待所有正在投递的消息完成
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) deliver(from *MemTransport, to ma.Multiaddr, msg *pb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}

	h.mu.RLock()
	dst, ok := h.nodes[string(to.Bytes())]
	_, srcDropped := h.dropped[string(from.addr.Bytes())]
	_, dstDropped := h.dropped[string(to.Bytes())]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("地址 %s 不可达", to)
	}
	if srcDropped || dstDropped {
		return nil
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		mes := new(pb.Message)
		if err := mes.Unmarshal(b); err != nil {
			logger.Debugw("内存传输解码失败", "error", err)
			return
		}
		if handler := dst.getHandler(); handler != nil {
			handler(from.addr, mes)
		}
	}()
	return nil
}

// MemTransport 连接到Hub的内存传输层
type MemTransport struct {
	hub  *Hub
	addr ma.Multiaddr

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

var _ Transport = (*MemTransport)(nil)

// Send 通过Hub向地址to发送一条消息
func (t *MemTransport) Send(ctx context.Context, to ma.Multiaddr, msg *pb.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return t.hub.deliver(t, to, msg)
}

// SetHandler 设置入站消息的处理函数
func (t *MemTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *MemTransport) getHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil
	}
	return t.handler
}

// LocalAddr 返回Hub分配的虚拟地址
func (t *MemTransport) LocalAddr() ma.Multiaddr {
	return t.addr
}

// Close 从Hub上断开
func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.hub.mu.Lock()
	delete(t.hub.nodes, string(t.addr.Bytes()))
	t.hub.mu.Unlock()
	return nil
}
