// kbucket 包实现了 kademlia 'k-bucket' 联系人表
package kbucket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dht/kbucket")

// errNoChallenge 未设置挑战函数时的错误
var errNoChallenge = errors.New("未设置存活挑战函数")

// ChallengeFunc 向被驱逐的联系人发送存活探测
// 在ctx结束前返回nil表示联系人仍然存活
type ChallengeFunc func(ctx context.Context, c Contact) error

// Mode 描述联系人表当前所处的状态
type Mode int

const (
	// ModeOffGrid 表示表中没有任何联系人
	ModeOffGrid Mode = iota
	// ModeOnGrid 表示表正常工作
	ModeOnGrid
	// ModeDefensive 表示未解决的冲突过多,满桶拒绝一切新联系人
	ModeDefensive
)

// String 返回模式的字符串表示
func (m Mode) String() string {
	switch m {
	case ModeOffGrid:
		return "off-grid"
	case ModeOnGrid:
		return "on-grid"
	case ModeDefensive:
		return "defensive"
	}
	return "unknown"
}

// ObserveResult 描述一次Observe调用的结果
type ObserveResult int

const (
	// ObserveIgnored 联系人是本地节点,被忽略
	ObserveIgnored ObserveResult = iota
	// ObserveRefreshed 联系人已存在,刷新了最近见过时间
	ObserveRefreshed
	// ObserveInserted 联系人被直接插入
	ObserveInserted
	// ObserveChallenged 桶已满,联系人挤占了最久未见的联系人并触发了存活挑战
	ObserveChallenged
	// ObserveReinstated 待定的老联系人重新出现并夺回了位置
	ObserveReinstated
	// ObserveRejected 桶正在防御或表处于防御模式,联系人被丢弃
	ObserveRejected
)

// ContactTable 按公共前缀长度划分的静态k-bucket联系人表
// 每个桶独立加锁,不同距离范围的操作互不竞争
type ContactTable struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup

	// 本地节点ID
	local ID

	clk clock.Clock

	// 第i个桶保存与本地ID公共前缀长度为i的联系人
	buckets    [IDBits]*bucket
	bucketsize int

	// 被驱逐联系人回应挑战的宽限期
	gracePeriod time.Duration

	// 未解决冲突达到此数量时进入防御模式
	maxConflicts int64
	conflicts    int64

	challengeLk sync.RWMutex
	challenge   ChallengeFunc

	cplRefreshLk   sync.RWMutex
	cplRefreshedAt map[uint]time.Time

	// 通知函数
	ContactRemoved func(Contact)
	ContactAdded   func(Contact)
}

// NewContactTable 创建一个新的联系人表
// 参数:
//   - bucketsize: int 桶大小k
//   - localID: ID 本地节点ID
//   - gracePeriod: time.Duration 冲突宽限期
//   - maxConflicts: int 进入防御模式的未解决冲突数
//   - clk: clock.Clock 时钟
//
// 返回值:
//   - *ContactTable 联系人表
func NewContactTable(bucketsize int, localID ID, gracePeriod time.Duration, maxConflicts int, clk clock.Clock) *ContactTable {
	if clk == nil {
		clk = clock.New()
	}
	rt := &ContactTable{
		local:          localID,
		clk:            clk,
		bucketsize:     bucketsize,
		gracePeriod:    gracePeriod,
		maxConflicts:   int64(maxConflicts),
		cplRefreshedAt: make(map[uint]time.Time),

		ContactRemoved: func(c Contact) {
			log.Debugw("联系人已移除", "id", c.ID.ShortString())
		},
		ContactAdded: func(c Contact) {
			log.Debugw("联系人已添加", "id", c.ID.ShortString(), "addr", c.Addr)
		},
	}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}
	rt.ctx, rt.ctxCancel = context.WithCancel(context.Background())
	return rt
}

// SetChallengeFunc 设置用于防御性插入的存活挑战函数
func (rt *ContactTable) SetChallengeFunc(fn ChallengeFunc) {
	rt.challengeLk.Lock()
	rt.challenge = fn
	rt.challengeLk.Unlock()
}

// Close 关闭联系人表并等待所有挑战结束
// 可以安全地多次调用
func (rt *ContactTable) Close() error {
	rt.ctxCancel()
	rt.wg.Wait()
	return nil
}

// Local 返回本地节点ID
func (rt *ContactTable) Local() ID {
	return rt.local
}

// BucketSize 返回桶大小k
func (rt *ContactTable) BucketSize() int {
	return rt.bucketsize
}

// bucketIndex 返回标识符所属桶的下标
func (rt *ContactTable) bucketIndex(id ID) int {
	cpl := CommonPrefixLen(id, rt.local)
	if cpl >= IDBits {
		cpl = IDBits - 1
	}
	return cpl
}

// Observe 记录联系人是活跃的
// 已存在的联系人被移到最近见过的位置;桶未满时直接插入;
// 桶满时最久未见的联系人被挤到待定槽并受到存活挑战
// 参数:
//   - c: Contact 发来有效RPC的联系人
//
// 返回值:
//   - ObserveResult 本次观察的结果
func (rt *ContactTable) Observe(c Contact) ObserveResult {
	if c.ID == rt.local {
		return ObserveIgnored
	}

	idx := rt.bucketIndex(c.ID)
	b := rt.buckets[idx]
	now := rt.clk.Now()

	b.mu.Lock()

	if e := b.element(c.ID); e != nil {
		cur := e.Value.(*Contact)
		cur.LastSeen = now
		if c.Addr != nil {
			cur.Addr = c.Addr
		}
		b.list.MoveToFront(e)
		b.mu.Unlock()
		return ObserveRefreshed
	}

	// 待定的老联系人发来了消息,等同于回应了挑战
	if b.pending != nil && b.pending.evicted.ID == c.ID {
		if c.Addr != nil {
			b.pending.evicted.Addr = c.Addr
		}
		removed, reinstated := rt.resolveLocked(b, true, now)
		b.mu.Unlock()
		rt.notify(removed, reinstated)
		return ObserveReinstated
	}

	if b.len() < rt.bucketsize {
		nc := c
		nc.LastSeen = now
		nc.AddedAt = now
		b.pushFront(&nc)
		b.mu.Unlock()
		rt.ContactAdded(nc)
		return ObserveInserted
	}

	if b.pending != nil || rt.defensive() {
		b.mu.Unlock()
		log.Debugw("桶已满且正在防御,丢弃联系人", "id", c.ID.ShortString(), "bucket", idx)
		return ObserveRejected
	}

	lrs := b.leastRecentlySeen()
	evicted := *lrs.Value.(*Contact)
	b.list.Remove(lrs)

	nc := c
	nc.LastSeen = now
	nc.AddedAt = now
	b.pushFront(&nc)
	b.pending = &conflict{evicted: evicted, inserted: nc.ID}
	atomic.AddInt64(&rt.conflicts, 1)
	b.mu.Unlock()

	rt.ContactAdded(nc)

	rt.wg.Add(1)
	go rt.challengeEvicted(idx, evicted)

	return ObserveChallenged
}

// challengeEvicted 在宽限期内挑战被驱逐的联系人并根据结果解决冲突
// 参数:
//   - idx: int 桶下标
//   - evicted: Contact 被驱逐的联系人
func (rt *ContactTable) challengeEvicted(idx int, evicted Contact) {
	defer rt.wg.Done()

	rt.challengeLk.RLock()
	fn := rt.challenge
	rt.challengeLk.RUnlock()

	ctx, cancel := rt.clk.WithTimeout(rt.ctx, rt.gracePeriod)
	defer cancel()

	err := errNoChallenge
	if fn != nil {
		err = fn(ctx, evicted)
	}
	alive := err == nil && ctx.Err() == nil
	if !alive {
		log.Debugw("被驱逐的联系人未回应挑战", "id", evicted.ID.ShortString(), "error", err)
	}

	b := rt.buckets[idx]
	b.mu.Lock()
	if b.pending == nil || b.pending.evicted.ID != evicted.ID {
		// 已经被其他路径解决
		b.mu.Unlock()
		return
	}
	removed, reinstated := rt.resolveLocked(b, alive, rt.clk.Now())
	b.mu.Unlock()
	rt.notify(removed, reinstated)
}

// resolveLocked 解决桶的待定冲突
// 调用方必须持有b.mu且b.pending不为nil
// 参数:
//   - b: *bucket 桶
//   - alive: bool 被驱逐的联系人是否存活
//   - now: time.Time 当前时间
//
// 返回值:
//   - []Contact 被永久移除的联系人
//   - *Contact 夺回位置的联系人
func (rt *ContactTable) resolveLocked(b *bucket, alive bool, now time.Time) ([]Contact, *Contact) {
	p := b.pending
	b.pending = nil
	atomic.AddInt64(&rt.conflicts, -1)

	if !alive {
		return []Contact{p.evicted}, nil
	}

	var removed []Contact
	if e := b.element(p.inserted); e != nil {
		removed = append(removed, *e.Value.(*Contact))
		b.list.Remove(e)
	}
	if b.len() >= rt.bucketsize {
		// 新联系人已被移除且位置又被占满,老联系人无处可去
		return append(removed, p.evicted), nil
	}
	ev := p.evicted
	ev.LastSeen = now
	b.pushFront(&ev)
	return removed, &ev
}

// notify 在锁外调用通知函数
func (rt *ContactTable) notify(removed []Contact, added *Contact) {
	for _, c := range removed {
		rt.ContactRemoved(c)
	}
	if added != nil {
		rt.ContactAdded(*added)
	}
}

// Remove 从表中移除联系人,联系人不存在时不做任何事
// 参数:
//   - id: ID 联系人标识符
func (rt *ContactTable) Remove(id ID) {
	if id == rt.local {
		return
	}
	b := rt.buckets[rt.bucketIndex(id)]

	b.mu.Lock()
	var removed *Contact
	if e := b.element(id); e != nil {
		c := *e.Value.(*Contact)
		removed = &c
		b.list.Remove(e)
	} else if b.pending != nil && b.pending.evicted.ID == id {
		c := b.pending.evicted
		removed = &c
		b.pending = nil
		atomic.AddInt64(&rt.conflicts, -1)
	}
	b.mu.Unlock()

	if removed != nil {
		rt.ContactRemoved(*removed)
	}
}

// Find 精确查找联系人
// 参数:
//   - id: ID 联系人标识符
//
// 返回值:
//   - Contact 联系人副本
//   - bool 是否找到
func (rt *ContactTable) Find(id ID) (Contact, bool) {
	if id == rt.local {
		return Contact{}, false
	}
	b := rt.buckets[rt.bucketIndex(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.getContact(id); c != nil {
		return *c, true
	}
	return Contact{}, false
}

// Pending 返回指定桶中等待挑战结果的联系人
func (rt *ContactTable) Pending(cpl uint) (Contact, bool) {
	if cpl >= IDBits {
		return Contact{}, false
	}
	b := rt.buckets[cpl]
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return Contact{}, false
	}
	return b.pending.evicted, true
}

// snapshot 返回指定桶内联系人的副本
func (rt *ContactTable) snapshot(idx int) []Contact {
	b := rt.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contacts()
}

// Closest 返回最多count个按到target异或距离升序排列的联系人
// 距离相同时按标识符升序排列
// 参数:
//   - target: ID 目标标识符
//   - count: int 最大数量
//
// 返回值:
//   - []Contact 联系人列表
func (rt *ContactTable) Closest(target ID, count int) []Contact {
	if count <= 0 {
		return nil
	}
	idx := rt.bucketIndex(target)

	// 目标所在桶的联系人最近;其后是公共前缀更长的所有桶(它们处在同一距离区间);
	// 最后按公共前缀递减依次扩展
	sorter := contactDistanceSorter{
		contacts: make([]contactDistance, 0, count+rt.bucketsize),
		target:   target,
	}
	for _, c := range rt.snapshot(idx) {
		sorter.appendContact(c)
	}
	if sorter.Len() < count {
		for i := idx + 1; i < IDBits; i++ {
			for _, c := range rt.snapshot(i) {
				sorter.appendContact(c)
			}
		}
	}
	for i := idx - 1; i >= 0 && sorter.Len() < count; i-- {
		for _, c := range rt.snapshot(i) {
			sorter.appendContact(c)
		}
	}

	sorter.sort()
	if count > sorter.Len() {
		count = sorter.Len()
	}
	out := make([]Contact, 0, count)
	for _, c := range sorter.contacts[:count] {
		out = append(out, c.c)
	}
	return out
}

// Size 返回表中联系人总数(不含待定槽)
func (rt *ContactTable) Size() int {
	var tot int
	for i := range rt.buckets {
		b := rt.buckets[i]
		b.mu.Lock()
		tot += b.len()
		b.mu.Unlock()
	}
	return tot
}

// ListContacts 返回表中的所有联系人
func (rt *ContactTable) ListContacts() []Contact {
	var out []Contact
	for i := range rt.buckets {
		out = append(out, rt.snapshot(i)...)
	}
	return out
}

// NContactsForCpl 返回给定公共前缀长度的联系人数量
func (rt *ContactTable) NContactsForCpl(cpl uint) int {
	if cpl >= IDBits {
		return 0
	}
	b := rt.buckets[cpl]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.len()
}

// Conflicts 返回当前未解决的冲突数量
func (rt *ContactTable) Conflicts() int {
	return int(atomic.LoadInt64(&rt.conflicts))
}

// defensive 判断未解决冲突是否已达上限
func (rt *ContactTable) defensive() bool {
	return rt.maxConflicts > 0 && atomic.LoadInt64(&rt.conflicts) >= rt.maxConflicts
}

// Mode 返回联系人表的当前模式
func (rt *ContactTable) Mode() Mode {
	if rt.defensive() {
		return ModeDefensive
	}
	if rt.Size() == 0 {
		return ModeOffGrid
	}
	return ModeOnGrid
}

// maxCommonPrefix 返回非空桶的最大公共前缀长度
func (rt *ContactTable) maxCommonPrefix() uint {
	for i := IDBits - 1; i >= 0; i-- {
		if rt.NContactsForCpl(uint(i)) > 0 {
			return uint(i)
		}
	}
	return 0
}
