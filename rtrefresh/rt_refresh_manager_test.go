package rtrefresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/dep2p/kadnode/kbucket"
)

var testAddr = ma.StringCast("/ip4/127.0.0.1/tcp/4001")

func newTestManager(t *testing.T, rt *kb.ContactTable, clk clock.Clock,
	query func(context.Context, kb.ID) error, ping func(context.Context, kb.Contact) error) *RtRefreshManager {
	t.Helper()
	r, err := NewRtRefreshManager(rt, clk, Config{
		KeyForCpl:      rt.GenRandID,
		Query:          query,
		Ping:           ping,
		QueryTimeout:   time.Second,
		Interval:       time.Hour,
		StaleThreshold: 10 * time.Minute,
	})
	require.NoError(t, err)
	return r
}

// ============================================================================
// 驱逐测试
// ============================================================================

// TestPingAndEvict_OnlyStaleFailures 测试只有过期且ping失败的联系人被驱逐
func TestPingAndEvict_OnlyStaleFailures(t *testing.T) {
	clk := clock.NewMock()
	rt := kb.NewContactTable(20, kb.RandomID(), time.Second, 60, clk)
	defer rt.Close()

	deadID, err := rt.GenRandID(1)
	require.NoError(t, err)
	aliveID, err := rt.GenRandID(2)
	require.NoError(t, err)
	rt.Observe(kb.Contact{ID: deadID, Addr: testAddr})
	rt.Observe(kb.Contact{ID: aliveID, Addr: testAddr})

	clk.Add(time.Hour)

	// 刚见过的联系人不会被ping
	freshID, err := rt.GenRandID(3)
	require.NoError(t, err)
	rt.Observe(kb.Contact{ID: freshID, Addr: testAddr})

	var mu sync.Mutex
	pinged := map[kb.ID]bool{}
	ping := func(_ context.Context, c kb.Contact) error {
		mu.Lock()
		pinged[c.ID] = true
		mu.Unlock()
		if c.ID == deadID {
			return errors.New("no reply")
		}
		return nil
	}

	r := newTestManager(t, rt, clk, func(context.Context, kb.ID) error { return nil }, ping)
	r.evictStale(context.Background())

	_, ok := rt.Find(deadID)
	assert.False(t, ok)
	_, ok = rt.Find(aliveID)
	assert.True(t, ok)
	_, ok = rt.Find(freshID)
	assert.True(t, ok)
	assert.True(t, pinged[aliveID])
	assert.False(t, pinged[freshID])

	t.Log("✅ 只驱逐过期且无响应的联系人")
}

// ============================================================================
// 刷新测试
// ============================================================================

// TestRefresh_QueriesSelfAndCpls 测试强制刷新会查询自身和各个CPL
func TestRefresh_QueriesSelfAndCpls(t *testing.T) {
	clk := clock.New()
	local := kb.RandomID()
	rt := kb.NewContactTable(20, local, time.Second, 60, clk)
	defer rt.Close()

	for cpl := uint(0); cpl < 3; cpl++ {
		id, err := rt.GenRandID(cpl)
		require.NoError(t, err)
		rt.Observe(kb.Contact{ID: id, Addr: testAddr})
	}

	var mu sync.Mutex
	var keys []kb.ID
	query := func(_ context.Context, key kb.ID) error {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
		return nil
	}

	r := newTestManager(t, rt, clk, query, func(context.Context, kb.Contact) error { return nil })
	r.Start()
	defer r.Close()

	select {
	case err := <-r.Refresh(true):
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("刷新没有完成")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, keys)
	assert.Equal(t, local, keys[0])
	for _, k := range keys[1:] {
		assert.NotEqual(t, local, k)
	}

	t.Log("✅ 强制刷新查询了自身和各个桶")
}

// TestRefresh_QueryTimeoutIsNotFailure 测试查询自身的超时不算作刷新失败
func TestRefresh_QueryTimeoutIsNotFailure(t *testing.T) {
	clk := clock.New()
	rt := kb.NewContactTable(20, kb.RandomID(), time.Second, 60, clk)
	defer rt.Close()

	query := func(ctx context.Context, _ kb.ID) error {
		<-ctx.Done()
		return ctx.Err()
	}
	r, err := NewRtRefreshManager(rt, clk, Config{
		KeyForCpl:      rt.GenRandID,
		Query:          query,
		Ping:           func(context.Context, kb.Contact) error { return nil },
		QueryTimeout:   50 * time.Millisecond,
		Interval:       time.Hour,
		StaleThreshold: time.Hour,
	})
	require.NoError(t, err)

	assert.NoError(t, r.lookup(context.Background(), rt.Local()))

	_, err = NewRtRefreshManager(rt, clk, Config{Query: query})
	assert.Error(t, err, "缺少刷新函数")

	t.Log("✅ 超时的刷新查询被忽略")
}

// TestRefresh_ClosedManager 测试关闭后请求刷新立即返回错误
func TestRefresh_ClosedManager(t *testing.T) {
	rt := kb.NewContactTable(20, kb.RandomID(), time.Second, 60, clock.New())
	defer rt.Close()

	r := newTestManager(t, rt, clock.New(), func(context.Context, kb.ID) error { return nil },
		func(context.Context, kb.Contact) error { return nil })
	r.Start()
	require.NoError(t, r.Close())

	assert.Error(t, <-r.Refresh(false))

	t.Log("✅ 关闭后的刷新请求返回错误")
}

// TestRefresh_SkipsRecentCpls 测试非强制刷新跳过最近查询过的桶
func TestRefresh_SkipsRecentCpls(t *testing.T) {
	clk := clock.NewMock()
	local := kb.RandomID()
	rt := kb.NewContactTable(20, local, time.Second, 60, clk)
	defer rt.Close()

	for cpl := uint(0); cpl < 3; cpl++ {
		id, err := rt.GenRandID(cpl)
		require.NoError(t, err)
		rt.Observe(kb.Contact{ID: id, Addr: testAddr})
	}

	var keys []kb.ID
	query := func(_ context.Context, key kb.ID) error {
		keys = append(keys, key)
		return nil
	}
	r := newTestManager(t, rt, clk, query, func(context.Context, kb.Contact) error { return nil })

	// 所有桶刚刚查询过
	for cpl := range rt.GetTrackedCplsForRefresh() {
		id, err := rt.GenRandID(uint(cpl))
		require.NoError(t, err)
		rt.ResetCplRefreshedAtForID(id, clk.Now())
	}
	require.NoError(t, r.refresh(context.Background(), false))
	assert.Equal(t, []kb.ID{local}, keys, "只查询了自身")

	clk.Add(2 * time.Hour)
	keys = nil
	require.NoError(t, r.refresh(context.Background(), false))
	assert.Greater(t, len(keys), 1)

	t.Log("✅ 只刷新到期的桶")
}
