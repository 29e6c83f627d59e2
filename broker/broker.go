package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dht/broker")

// shardCount 分片数量,按关联令牌分片
const shardCount = 32

// DefaultRetentionFloor 记录保留的最短时间
var DefaultRetentionFloor = time.Minute

// ErrNoReply 在监听窗口内没有收到响应
var ErrNoReply = errors.New("监听窗口内没有收到响应")

type shard struct {
	mu        sync.Mutex
	records   []*Reception
	listeners map[uint64]*listener
}

// listener 一个打开的监听窗口
type listener struct {
	id     uint64
	filter Filter
	since  time.Time

	mu     sync.Mutex
	queue  []*Reception
	notify chan struct{}
}

// push 将记录加入监听队列并唤醒投递协程
func (l *listener) push(rs ...*Reception) {
	if len(rs) == 0 {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, rs...)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *listener) pop() (*Reception, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	r := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return r, true
}

func (l *listener) wants(r *Reception) bool {
	return !r.ReceivedAt.Before(l.since) && l.filter.Match(r)
}

// Broker 接收记录的发布订阅代理
// 记录按关联令牌分片,每个分片独立加锁,监听者按过滤条件订阅
type Broker struct {
	clk            clock.Clock
	retentionFloor time.Duration

	shards [shardCount]*shard

	nextID  uint64 // 原子操作
	openMu  sync.Mutex
	openers map[uint64]opener
}

// opener 一个打开的监听窗口对记录保留的要求
// shard为nil时窗口引用所有分片
type opener struct {
	since time.Time
	shard *shard
}

// Option 是设置代理选项的函数
type Option func(*Broker) error

// Clock 设置代理使用的时钟
func Clock(clk clock.Clock) Option {
	return func(b *Broker) error {
		b.clk = clk
		return nil
	}
}

// RetentionFloor 设置记录保留的最短时间
func RetentionFloor(d time.Duration) Option {
	return func(b *Broker) error {
		if d < 0 {
			return errors.New("保留时间不能为负数")
		}
		b.retentionFloor = d
		return nil
	}
}

// New 创建一个新的代理
// 参数:
//   - opts: ...Option 代理选项
//
// 返回值:
//   - *Broker 代理实例
//   - error 错误信息
func New(opts ...Option) (*Broker, error) {
	b := &Broker{
		clk:            clock.New(),
		retentionFloor: DefaultRetentionFloor,
		openers:        make(map[uint64]opener),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	for i := range b.shards {
		b.shards[i] = &shard{listeners: make(map[uint64]*listener)}
	}
	return b, nil
}

func (b *Broker) shardFor(token uuid.UUID) *shard {
	return b.shards[int(token[0])%shardCount]
}

// Record 记录一条接收记录并唤醒所有匹配的监听者
// ReceivedAt为零值时使用当前时间
// 参数:
//   - r: *Reception 接收记录
func (b *Broker) Record(r *Reception) {
	sh := b.shardFor(r.Token)
	sh.mu.Lock()
	now := b.clk.Now()
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = now
	}
	sh.records = append(sh.records, r)
	for _, l := range sh.listeners {
		if l.wants(r) {
			l.push(r)
		}
	}
	if len(sh.records) > 0 && sh.records[0].ReceivedAt.Before(now.Add(-b.retentionFloor)) {
		trimLocked(sh, b.cutoff(now, sh))
	}
	sh.mu.Unlock()
}

// cutoff 计算分片中早于该时间的记录可以被删除
// 保留时间不短于最低保留时间,也不短于引用该分片的打开窗口的起点
func (b *Broker) cutoff(now time.Time, sh *shard) time.Time {
	c := now.Add(-b.retentionFloor)
	b.openMu.Lock()
	for _, o := range b.openers {
		if o.shard != nil && o.shard != sh {
			continue
		}
		if o.since.Before(c) {
			c = o.since
		}
	}
	b.openMu.Unlock()
	return c
}

// trimLocked 删除分片中早于cutoff的记录
// 调用方必须持有sh.mu
func trimLocked(sh *shard, cutoff time.Time) int {
	n := 0
	for n < len(sh.records) && sh.records[n].ReceivedAt.Before(cutoff) {
		n++
	}
	if n == 0 {
		return 0
	}
	rest := make([]*Reception, len(sh.records)-n)
	copy(rest, sh.records[n:])
	sh.records = rest
	return n
}

// Sweep 删除所有不再需要保留的记录
// 返回值:
//   - int 删除的记录数
func (b *Broker) Sweep() int {
	now := b.clk.Now()
	removed := 0
	for _, sh := range b.shards {
		cutoff := b.cutoff(now, sh)
		sh.mu.Lock()
		removed += trimLocked(sh, cutoff)
		sh.mu.Unlock()
	}
	if removed > 0 {
		log.Debugw("清理接收记录", "removed", removed)
	}
	return removed
}

// Len 返回当前保留的记录数
func (b *Broker) Len() int {
	n := 0
	for _, sh := range b.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// Listen 打开一个监听窗口
// 先回放起始时间之后已记录的匹配记录,再投递新到达的匹配记录
// window到期或ctx结束时通道关闭
// 参数:
//   - ctx: context.Context 上下文
//   - f: Filter 过滤条件
//   - window: time.Duration 窗口长度
//
// 返回值:
//   - <-chan *Reception 匹配记录的通道
func (b *Broker) Listen(ctx context.Context, f Filter, window time.Duration) <-chan *Reception {
	now := b.clk.Now()
	l := &listener{
		id:     atomic.AddUint64(&b.nextID, 1),
		filter: f,
		since:  f.sinceAt(now),
		notify: make(chan struct{}, 1),
	}
	// 未指定起始时间时回放所有保留的记录
	// 先登记窗口再注册,避免注册期间回放的记录被删除
	shards := b.listenerShards(f)
	o := opener{since: l.since}
	if len(shards) == 1 {
		o.shard = shards[0]
	}
	b.openMu.Lock()
	b.openers[l.id] = o
	b.openMu.Unlock()

	for _, sh := range shards {
		sh.mu.Lock()
		for _, r := range sh.records {
			if l.wants(r) {
				l.push(r)
			}
		}
		sh.listeners[l.id] = l
		sh.mu.Unlock()
	}

	timer := b.clk.Timer(window)
	out := make(chan *Reception)
	go func() {
		defer func() {
			timer.Stop()
			for _, sh := range shards {
				sh.mu.Lock()
				delete(sh.listeners, l.id)
				sh.mu.Unlock()
			}
			b.openMu.Lock()
			delete(b.openers, l.id)
			b.openMu.Unlock()
			close(out)
		}()

		for {
			r, ok := l.pop()
			if !ok {
				select {
				case <-l.notify:
					continue
				case <-timer.C:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- r:
			case <-timer.C:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (b *Broker) listenerShards(f Filter) []*shard {
	if f.token != uuid.Nil {
		return []*shard{b.shardFor(f.token)}
	}
	return b.shards[:]
}

// FirstReply 等待令牌的第一个响应
// 同一令牌在since之后先记录的响应优先,之后的重复响应被忽略
// 参数:
//   - ctx: context.Context 上下文
//   - token: uuid.UUID 关联令牌
//   - since: time.Time 请求发出的时间,早于它的记录不会是响应
//   - window: time.Duration 等待时间
//
// 返回值:
//   - *Reception 第一个响应
//   - error 窗口内没有响应返回ErrNoReply
func (b *Broker) FirstReply(ctx context.Context, token uuid.UUID, since time.Time, window time.Duration) (*Reception, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r, ok := <-b.Listen(ctx, Any().WithToken(token).Replies().Since(since), window)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoReply
	}
	return r, nil
}
