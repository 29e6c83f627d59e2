package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-base32"
	"go.uber.org/multierr"

	"github.com/dep2p/kadnode/internal"
	kb "github.com/dep2p/kadnode/kbucket"
)

const (
	// EntriesKeyPrefix 是所有条目在数据存储中的键前缀
	EntriesKeyPrefix = "/entries/"

	// shardCount 分片数量,按键的第一个字节分片
	shardCount = 256
)

var (
	// DefaultMaxEntries 默认的最大条目数
	DefaultMaxEntries = 10000
	// DefaultMaxBlobSize 默认的单个条目最大字节数
	DefaultMaxBlobSize = 64 * 1024
	// DefaultMaxTTL 条目生存时间的上限
	DefaultMaxTTL = 24 * time.Hour
)

var (
	// ErrStorageFull 存储已满
	ErrStorageFull = errors.New("存储已满")
	// ErrBlobTooBig 条目数据超出上限
	ErrBlobTooBig = errors.New("条目数据过大")
)

var log = logging.Logger("dht/storage")

// shard 一个存储分片,持有首字节相同的所有键
type shard struct {
	mu     sync.Mutex
	dstore ds.Datastore
	seq    uint64
}

// Store 本地条目存储
// 同一个键下可以保存多个不同的条目,每个条目独立过期
type Store struct {
	shards [shardCount]*shard
	clk    clock.Clock
	// epoch 条目时间编码为相对于它的偏移,保留时钟的单调读数
	epoch time.Time

	maxEntries  int
	maxBlobSize int
	maxTTL      time.Duration

	count int64 // 原子操作
}

// Option 是设置存储选项的函数
type Option func(*Store) error

// MaxEntries 设置存储能容纳的最大条目数
func MaxEntries(n int) Option {
	return func(s *Store) error {
		if n <= 0 {
			return fmt.Errorf("最大条目数必须为正数: %d", n)
		}
		s.maxEntries = n
		return nil
	}
}

// MaxBlobSize 设置单个条目的最大字节数
func MaxBlobSize(n int) Option {
	return func(s *Store) error {
		if n <= 0 {
			return fmt.Errorf("最大条目字节数必须为正数: %d", n)
		}
		s.maxBlobSize = n
		return nil
	}
}

// MaxTTL 设置条目生存时间的上限
func MaxTTL(d time.Duration) Option {
	return func(s *Store) error {
		if d <= 0 {
			return fmt.Errorf("生存时间上限必须为正数: %s", d)
		}
		s.maxTTL = d
		return nil
	}
}

// Clock 设置存储使用的时钟
func Clock(clk clock.Clock) Option {
	return func(s *Store) error {
		s.clk = clk
		return nil
	}
}

// New 创建一个新的存储
// 参数:
//   - opts: ...Option 存储选项
//
// 返回值:
//   - *Store 存储实例
//   - error 错误信息
func New(opts ...Option) (*Store, error) {
	s := &Store{
		clk:         clock.New(),
		maxEntries:  DefaultMaxEntries,
		maxBlobSize: DefaultMaxBlobSize,
		maxTTL:      DefaultMaxTTL,
	}
	for i, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("存储选项 %d 失败: %w", i, err)
		}
	}
	s.epoch = s.clk.Now()
	for i := range s.shards {
		s.shards[i] = &shard{dstore: ds.NewMapDatastore()}
	}
	return s, nil
}

func (s *Store) shardFor(key kb.ID) *shard {
	return s.shards[key[0]]
}

// mkEntryPrefix 为键创建数据存储前缀
func mkEntryPrefix(key kb.ID) string {
	return EntriesKeyPrefix + base32.RawStdEncoding.EncodeToString(key[:])
}

// mkEntryKey 为键下的第seq个条目创建数据存储键
// seq定长编码,按键排序即按插入顺序排序
func mkEntryKey(key kb.ID, seq uint64) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%016x", mkEntryPrefix(key), seq))
}

type storedEntry struct {
	dsKey ds.Key
	entry Entry
}

// loadLocked 读取分片中前缀下的所有未过期条目,顺带删除已过期的条目
// 调用方必须持有sh.mu
func (s *Store) loadLocked(ctx context.Context, sh *shard, prefix string, now time.Time) ([]storedEntry, int, error) {
	res, err := sh.dstore.Query(ctx, dsq.Query{Prefix: prefix, Orders: []dsq.Order{dsq.OrderByKey{}}})
	if err != nil {
		return nil, 0, err
	}
	results, err := res.Rest()
	if err != nil {
		return nil, 0, err
	}

	removed := 0
	out := make([]storedEntry, 0, len(results))
	for _, r := range results {
		k := ds.RawKey(r.Key)
		e, err := unmarshalEntry(r.Value, s.epoch)
		if err != nil {
			log.Errorw("解析存储条目失败", "key", r.Key, "error", err)
		}
		if err != nil || e.Expired(now) {
			if err := sh.dstore.Delete(ctx, k); err != nil && !errors.Is(err, ds.ErrNotFound) {
				log.Errorw("删除过期条目失败", "key", r.Key, "error", err)
				continue
			}
			atomic.AddInt64(&s.count, -1)
			removed++
			continue
		}
		out = append(out, storedEntry{dsKey: k, entry: e})
	}
	return out, removed, nil
}

// Put 在键下存储一个条目
// 若键下已有相同数据的条目,则刷新该条目:过期时间取两者较晚者并标记为非缓存
// 过期时间被延长时条目重新变为待再发布
// 参数:
//   - ctx: context.Context 上下文
//   - key: kb.ID 键
//   - payload: []byte 数据
//   - ttl: time.Duration 生存时间,超过上限时按上限截断
//
// 返回值:
//   - error 数据过大返回ErrBlobTooBig,存储已满返回ErrStorageFull
func (s *Store) Put(ctx context.Context, key kb.ID, payload []byte, ttl time.Duration) error {
	ctx, span := internal.StartSpan(ctx, "Store.Put")
	defer span.End()
	return s.put(ctx, key, payload, ttl, false)
}

// Cache 在键下存储一个缓存条目
// 缓存条目不会被再发布,已有相同数据的条目时不做任何修改
// 参数:
//   - ctx: context.Context 上下文
//   - key: kb.ID 键
//   - payload: []byte 数据
//   - ttl: time.Duration 生存时间
//
// 返回值:
//   - error 错误信息
func (s *Store) Cache(ctx context.Context, key kb.ID, payload []byte, ttl time.Duration) error {
	ctx, span := internal.StartSpan(ctx, "Store.Cache")
	defer span.End()
	return s.put(ctx, key, payload, ttl, true)
}

func (s *Store) put(ctx context.Context, key kb.ID, payload []byte, ttl time.Duration, cached bool) error {
	if len(payload) > s.maxBlobSize {
		return ErrBlobTooBig
	}
	if ttl <= 0 {
		return nil
	}
	if ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	if int(atomic.LoadInt64(&s.count)) >= s.maxEntries {
		// 计数里还有没清理的过期条目
		if _, err := s.ClearExpired(ctx); err != nil {
			return err
		}
	}

	now := s.clk.Now()
	expires := now.Add(ttl)

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, _, err := s.loadLocked(ctx, sh, mkEntryPrefix(key), now)
	if err != nil {
		return err
	}
	for _, se := range existing {
		if !bytes.Equal(se.entry.Payload, payload) {
			continue
		}
		if cached {
			// 缓存永远不会延长或降级已有的条目
			return nil
		}
		e := se.entry
		if !expires.After(e.ExpiresAt) && !e.Cached {
			return nil
		}
		if expires.After(e.ExpiresAt) {
			// 延长过期时间后条目重新待发布
			e.ExpiresAt = expires
			e.TTL = ttl
			e.Republished = false
		}
		e.Cached = false
		return sh.dstore.Put(ctx, se.dsKey, e.marshal(s.epoch))
	}

	if int(atomic.LoadInt64(&s.count)) >= s.maxEntries {
		return ErrStorageFull
	}

	e := Entry{
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: now,
		ExpiresAt: expires,
		TTL:       ttl,
		Cached:    cached,
	}
	sh.seq++
	if err := sh.dstore.Put(ctx, mkEntryKey(key, sh.seq), e.marshal(s.epoch)); err != nil {
		return err
	}
	atomic.AddInt64(&s.count, 1)
	return nil
}

// Get 返回键下所有未过期的条目,按插入顺序排列
// 参数:
//   - ctx: context.Context 上下文
//   - key: kb.ID 键
//
// 返回值:
//   - []Entry 条目列表,键不存在时为空
//   - error 错误信息
func (s *Store) Get(ctx context.Context, key kb.ID) ([]Entry, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	stored, _, err := s.loadLocked(ctx, sh, mkEntryPrefix(key), s.clk.Now())
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(stored))
	for i, se := range stored {
		out[i] = se.entry
	}
	return out, nil
}

// forEachShard 对每个分片中所有未过期的条目调用fn,并返回顺带删除的过期条目数
func (s *Store) forEachShard(ctx context.Context, fn func(e *Entry)) (int, error) {
	now := s.clk.Now()
	total := 0
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		sh.mu.Lock()
		stored, removed, err := s.loadLocked(ctx, sh, EntriesKeyPrefix, now)
		sh.mu.Unlock()
		total += removed
		if err != nil {
			return total, err
		}
		for i := range stored {
			fn(&stored[i].entry)
		}
	}
	return total, nil
}

// RepublishDue 返回需要再发布的条目
// 只包括剩余生存时间小于threshold且本轮尚未再发布的非缓存条目
// 参数:
//   - ctx: context.Context 上下文
//   - threshold: time.Duration 剩余生存时间阈值
//
// 返回值:
//   - []Entry 需要再发布的条目
//   - error 错误信息
func (s *Store) RepublishDue(ctx context.Context, threshold time.Duration) ([]Entry, error) {
	now := s.clk.Now()
	var due []Entry
	_, err := s.forEachShard(ctx, func(e *Entry) {
		if !e.Cached && !e.Republished && e.Remaining(now) < threshold {
			due = append(due, *e)
		}
	})
	return due, err
}

// MarkRepublished 将条目标记为本轮已再发布
// 参数:
//   - ctx: context.Context 上下文
//   - key: kb.ID 键
//   - payload: []byte 条目数据
//
// 返回值:
//   - error 条目不存在时返回ds.ErrNotFound
func (s *Store) MarkRepublished(ctx context.Context, key kb.ID, payload []byte) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	stored, _, err := s.loadLocked(ctx, sh, mkEntryPrefix(key), s.clk.Now())
	if err != nil {
		return err
	}
	for _, se := range stored {
		if bytes.Equal(se.entry.Payload, payload) {
			e := se.entry
			e.Republished = true
			return sh.dstore.Put(ctx, se.dsKey, e.marshal(s.epoch))
		}
	}
	return ds.ErrNotFound
}

// ClearExpired 删除所有已过期的条目
// 返回值:
//   - int 删除的条目数
func (s *Store) ClearExpired(ctx context.Context) (int, error) {
	removed, err := s.forEachShard(ctx, func(*Entry) {})
	if removed > 0 {
		log.Debugw("清理过期条目", "removed", removed)
	}
	return removed, err
}

// Keys 返回至少有一个未过期条目的所有键
func (s *Store) Keys(ctx context.Context) ([]kb.ID, error) {
	seen := make(map[kb.ID]struct{})
	var keys []kb.ID
	_, err := s.forEachShard(ctx, func(e *Entry) {
		if _, ok := seen[e.Key]; !ok {
			seen[e.Key] = struct{}{}
			keys = append(keys, e.Key)
		}
	})
	return keys, err
}

// Len 返回存储中的条目数,可能包含尚未清理的过期条目
func (s *Store) Len() int {
	return int(atomic.LoadInt64(&s.count))
}

// Close 关闭所有分片的数据存储
func (s *Store) Close() error {
	var err error
	for _, sh := range s.shards {
		sh.mu.Lock()
		err = multierr.Append(err, sh.dstore.Close())
		sh.mu.Unlock()
	}
	return err
}
