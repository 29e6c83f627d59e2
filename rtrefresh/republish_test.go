package rtrefresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/kadnode/broker"
	kb "github.com/dep2p/kadnode/kbucket"
	"github.com/dep2p/kadnode/storage"
)

func newTestStore(t *testing.T, clk clock.Clock) *storage.Store {
	t.Helper()
	s, err := storage.New(storage.Clock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// recorder 记录重新发布调用
type recorder struct {
	mu    sync.Mutex
	calls []storage.Entry
	err   error
}

func (r *recorder) republish(_ context.Context, e storage.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, e)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// ============================================================================
// 重新发布测试
// ============================================================================

// TestRepublisher_OnlyDueEntries 测试只有快要过期的非缓存条目被重新发布
func TestRepublisher_OnlyDueEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := newTestStore(t, clk)

	due := kb.ConvertKey("due")
	fresh := kb.ConvertKey("fresh")
	cached := kb.ConvertKey("cached")
	require.NoError(t, s.Put(ctx, due, []byte("a"), 30*time.Minute))
	require.NoError(t, s.Put(ctx, fresh, []byte("b"), 10*time.Hour))
	require.NoError(t, s.Cache(ctx, cached, []byte("c"), 10*time.Minute))

	rec := &recorder{}
	r := NewRepublisher(s, nil, clk, time.Minute, time.Hour, rec.republish)
	defer r.Close()

	require.NoError(t, r.RepublishNow(ctx))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, due, rec.calls[0].Key)
	assert.Equal(t, "a", string(rec.calls[0].Payload))

	// 已标记的条目本轮不再重新发布
	require.NoError(t, r.RepublishNow(ctx))
	assert.Equal(t, 1, rec.count())

	t.Log("✅ 只有快要过期的条目被重新发布一次")
}

// TestRepublisher_FailureNotMarked 测试失败的重新发布会在下一轮重试
func TestRepublisher_FailureNotMarked(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := newTestStore(t, clk)

	key := kb.ConvertKey("k")
	require.NoError(t, s.Put(ctx, key, []byte("v"), time.Minute))

	rec := &recorder{err: errors.New("boom")}
	r := NewRepublisher(s, nil, clk, time.Minute, time.Hour, rec.republish)
	defer r.Close()

	assert.Error(t, r.RepublishNow(ctx))
	assert.Error(t, r.RepublishNow(ctx))
	assert.Equal(t, 2, rec.count())

	t.Log("✅ 失败的条目没有被标记")
}

// TestRepublisher_ClearsExpired 测试每轮都会清理过期条目和接收记录
func TestRepublisher_ClearsExpired(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := newTestStore(t, clk)
	b, err := broker.New(broker.Clock(clk), broker.RetentionFloor(time.Second))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, kb.ConvertKey("k"), []byte("v"), time.Minute))
	b.Record(&broker.Reception{Sender: kb.Contact{ID: kb.RandomID()}, ReceivedAt: clk.Now()})
	require.Equal(t, 1, s.Len())
	require.Equal(t, 1, b.Len())

	clk.Add(2 * time.Minute)

	rec := &recorder{}
	r := NewRepublisher(s, b, clk, time.Minute, time.Hour, rec.republish)
	defer r.Close()

	require.NoError(t, r.RepublishNow(ctx))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, rec.count())

	t.Log("✅ 过期条目和接收记录被清理")
}

// TestRepublisher_Loop 测试后台循环按间隔运行
func TestRepublisher_Loop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := newTestStore(t, clk)
	require.NoError(t, s.Put(ctx, kb.ConvertKey("k"), []byte("v"), 30*time.Minute))

	rec := &recorder{}
	r := NewRepublisher(s, nil, clk, time.Minute, time.Hour, rec.republish)
	r.Start()
	defer r.Close()

	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return rec.count() > 0
	}, 5*time.Second, 10*time.Millisecond)

	t.Log("✅ 定时器触发了重新发布")
}

// TestRepublisher_EntryExpiresOnSchedule 测试重新发布不会延长条目的过期时间
func TestRepublisher_EntryExpiresOnSchedule(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := newTestStore(t, clk)

	key := kb.ConvertKey("k")
	require.NoError(t, s.Put(ctx, key, []byte("v"), 30*time.Minute))
	expiresAt := clk.Now().Add(30 * time.Minute)

	// 把条目按剩余时间重新写回本地,和网络上的存储请求回到本节点时一样
	rec := &recorder{}
	r := NewRepublisher(s, nil, clk, time.Minute, time.Hour, func(ctx context.Context, e storage.Entry) error {
		if err := rec.republish(ctx, e); err != nil {
			return err
		}
		return s.Put(ctx, e.Key, e.Payload, e.ExpiresAt.Sub(clk.Now()))
	})
	defer r.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, r.RepublishNow(ctx))
		entries, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].ExpiresAt.Equal(expiresAt))
		clk.Add(10 * time.Minute)
	}
	assert.Equal(t, 1, rec.count())

	clk.Add(20 * time.Minute)
	require.NoError(t, r.RepublishNow(ctx))
	entries, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, entries)

	t.Log("✅ 条目在原定时间过期")
}
