package kbucket

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddr = ma.StringCast("/ip4/127.0.0.1/tcp/4001")

// contactWithCpl 生成与本地标识符公共前缀长度为cpl的联系人
func contactWithCpl(t *testing.T, rt *ContactTable, cpl uint) Contact {
	t.Helper()
	id, err := rt.GenRandID(cpl)
	require.NoError(t, err)
	return Contact{ID: id, Addr: testAddr}
}

// blockingChallenge 返回一个直到ctx结束才返回的挑战函数
func blockingChallenge(called chan<- Contact) ChallengeFunc {
	return func(ctx context.Context, c Contact) error {
		called <- c
		<-ctx.Done()
		return ctx.Err()
	}
}

// ============================================================================
// 基本操作测试
// ============================================================================

// TestObserve_InsertAndRefresh 测试插入与刷新
func TestObserve_InsertAndRefresh(t *testing.T) {
	clk := clock.NewMock()
	rt := NewContactTable(3, RandomID(), 5*time.Second, 60, clk)
	defer rt.Close()

	assert.Equal(t, ModeOffGrid, rt.Mode())

	c := contactWithCpl(t, rt, 0)
	assert.Equal(t, ObserveInserted, rt.Observe(c))
	assert.Equal(t, 1, rt.Size())
	assert.Equal(t, ModeOnGrid, rt.Mode())

	clk.Add(time.Minute)
	assert.Equal(t, ObserveRefreshed, rt.Observe(c))
	got, ok := rt.Find(c.ID)
	require.True(t, ok)
	assert.Equal(t, clk.Now(), got.LastSeen)
	assert.Equal(t, 1, rt.Size())

	t.Log("✅ 联系人插入后再次观察只刷新时间")
}

// TestObserve_IgnoresSelf 测试本地节点不会被插入
func TestObserve_IgnoresSelf(t *testing.T) {
	local := RandomID()
	rt := NewContactTable(3, local, time.Second, 60, clock.NewMock())
	defer rt.Close()

	assert.Equal(t, ObserveIgnored, rt.Observe(Contact{ID: local, Addr: testAddr}))
	assert.Equal(t, 0, rt.Size())

	t.Log("✅ 本地节点被忽略")
}

// TestRemove 测试移除联系人,重复移除不报错
func TestRemove(t *testing.T) {
	rt := NewContactTable(3, RandomID(), time.Second, 60, clock.NewMock())
	defer rt.Close()

	var removed []ID
	rt.ContactRemoved = func(c Contact) { removed = append(removed, c.ID) }

	c := contactWithCpl(t, rt, 4)
	rt.Observe(c)
	rt.Remove(c.ID)
	rt.Remove(c.ID)

	_, ok := rt.Find(c.ID)
	assert.False(t, ok)
	assert.Equal(t, []ID{c.ID}, removed)

	t.Log("✅ 移除联系人,不存在时为空操作")
}

// ============================================================================
// 防御性插入测试
// ============================================================================

// TestObserve_SilentIncumbentLosesSlot 测试不回应挑战的老联系人永久失去位置
func TestObserve_SilentIncumbentLosesSlot(t *testing.T) {
	clk := clock.NewMock()
	rt := NewContactTable(2, RandomID(), 5*time.Second, 60, clk)
	defer rt.Close()

	called := make(chan Contact, 1)
	rt.SetChallengeFunc(blockingChallenge(called))

	a := contactWithCpl(t, rt, 0)
	b := contactWithCpl(t, rt, 0)
	rt.Observe(a)
	rt.Observe(b)

	newcomer := contactWithCpl(t, rt, 0)
	require.Equal(t, ObserveChallenged, rt.Observe(newcomer))

	challenged := <-called
	assert.Equal(t, a.ID, challenged.ID, "最久未见的联系人受到挑战")

	pending, ok := rt.Pending(0)
	require.True(t, ok)
	assert.Equal(t, a.ID, pending.ID)
	assert.LessOrEqual(t, rt.NContactsForCpl(0), 2)

	clk.Add(6 * time.Second)
	require.Eventually(t, func() bool { return rt.Conflicts() == 0 }, time.Second, 5*time.Millisecond)

	closest := rt.Closest(newcomer.ID, 10)
	ids := make([]ID, 0, len(closest))
	for _, c := range closest {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, newcomer.ID)
	assert.NotContains(t, ids, a.ID)

	_, ok = rt.Pending(0)
	assert.False(t, ok)

	t.Log("✅ 宽限期内未回应的老联系人被新联系人取代")
}

// TestObserve_LiveIncumbentKeepsSlot 测试回应挑战的老联系人夺回位置
func TestObserve_LiveIncumbentKeepsSlot(t *testing.T) {
	clk := clock.NewMock()
	rt := NewContactTable(2, RandomID(), 5*time.Second, 60, clk)
	defer rt.Close()

	rt.SetChallengeFunc(func(ctx context.Context, c Contact) error { return nil })

	a := contactWithCpl(t, rt, 0)
	b := contactWithCpl(t, rt, 0)
	rt.Observe(a)
	rt.Observe(b)

	newcomer := contactWithCpl(t, rt, 0)
	require.Equal(t, ObserveChallenged, rt.Observe(newcomer))
	require.Eventually(t, func() bool { return rt.Conflicts() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := rt.Find(a.ID)
	assert.True(t, ok, "存活的老联系人保留位置")
	_, ok = rt.Find(newcomer.ID)
	assert.False(t, ok, "新联系人被丢弃")
	assert.Equal(t, 2, rt.NContactsForCpl(0))

	t.Log("✅ 存活的老联系人保留位置")
}

// TestObserve_PendingContactReinstatedByTraffic 测试待定联系人发来消息即夺回位置
func TestObserve_PendingContactReinstatedByTraffic(t *testing.T) {
	clk := clock.NewMock()
	rt := NewContactTable(1, RandomID(), 5*time.Second, 60, clk)
	defer rt.Close()

	called := make(chan Contact, 1)
	rt.SetChallengeFunc(blockingChallenge(called))

	a := contactWithCpl(t, rt, 0)
	rt.Observe(a)
	newcomer := contactWithCpl(t, rt, 0)
	require.Equal(t, ObserveChallenged, rt.Observe(newcomer))
	<-called

	assert.Equal(t, ObserveReinstated, rt.Observe(a))
	assert.Equal(t, 0, rt.Conflicts())

	_, ok := rt.Find(a.ID)
	assert.True(t, ok)
	_, ok = rt.Find(newcomer.ID)
	assert.False(t, ok)

	// 挑战超时后不会再次改变桶
	clk.Add(6 * time.Second)
	time.Sleep(20 * time.Millisecond)
	_, ok = rt.Find(a.ID)
	assert.True(t, ok)

	t.Log("✅ 待定联系人的任何消息都视为回应挑战")
}

// TestObserve_BusyBucketRejects 测试正在防御的桶拒绝更多新联系人
func TestObserve_BusyBucketRejects(t *testing.T) {
	clk := clock.NewMock()
	rt := NewContactTable(1, RandomID(), 5*time.Second, 60, clk)
	defer rt.Close()

	called := make(chan Contact, 1)
	rt.SetChallengeFunc(blockingChallenge(called))

	rt.Observe(contactWithCpl(t, rt, 0))
	require.Equal(t, ObserveChallenged, rt.Observe(contactWithCpl(t, rt, 0)))
	<-called

	assert.Equal(t, ObserveRejected, rt.Observe(contactWithCpl(t, rt, 0)))
	assert.Equal(t, 1, rt.NContactsForCpl(0))

	t.Log("✅ 待定槽被占用时新联系人被丢弃")
}

// TestMode_Defensive 测试冲突过多时进入防御模式
func TestMode_Defensive(t *testing.T) {
	clk := clock.NewMock()
	rt := NewContactTable(1, RandomID(), 5*time.Second, 1, clk)
	defer rt.Close()

	called := make(chan Contact, 2)
	rt.SetChallengeFunc(blockingChallenge(called))

	rt.Observe(contactWithCpl(t, rt, 0))
	rt.Observe(contactWithCpl(t, rt, 1))

	require.Equal(t, ObserveChallenged, rt.Observe(contactWithCpl(t, rt, 0)))
	<-called
	assert.Equal(t, ModeDefensive, rt.Mode())

	assert.Equal(t, ObserveRejected, rt.Observe(contactWithCpl(t, rt, 1)))

	clk.Add(6 * time.Second)
	require.Eventually(t, func() bool { return rt.Mode() == ModeOnGrid }, time.Second, 5*time.Millisecond)

	t.Log("✅ 冲突解决后退出防御模式")
}

// TestObserve_CapacityInvariant 测试任意观察序列下桶都不超过容量
func TestObserve_CapacityInvariant(t *testing.T) {
	const k = 4
	rt := NewContactTable(k, RandomID(), 10*time.Millisecond, 1000, clock.New())
	defer rt.Close()

	for i := 0; i < 500; i++ {
		rt.Observe(Contact{ID: RandomID(), Addr: testAddr})
		if i%7 == 0 {
			c := contactWithCpl(t, rt, uint(i%5))
			rt.Observe(c)
		}
	}

	for cpl := uint(0); cpl < IDBits; cpl++ {
		assert.LessOrEqual(t, rt.NContactsForCpl(cpl), k, "桶 %d 超过容量", cpl)
	}
	assert.LessOrEqual(t, rt.Size(), k*IDBits)

	t.Log("✅ 桶大小始终不超过k")
}

// ============================================================================
// Closest 测试
// ============================================================================

// TestClosest_SortedAndBounded 测试最近联系人按距离升序且数量有界
func TestClosest_SortedAndBounded(t *testing.T) {
	rt := NewContactTable(20, RandomID(), time.Second, 60, clock.NewMock())
	defer rt.Close()

	for i := 0; i < 200; i++ {
		rt.Observe(Contact{ID: RandomID(), Addr: testAddr})
	}
	for cpl := uint(0); cpl < 12; cpl++ {
		rt.Observe(contactWithCpl(t, rt, cpl))
	}

	for _, target := range []ID{RandomID(), rt.Local()} {
		closest := rt.Closest(target, 20)
		require.LessOrEqual(t, len(closest), 20)

		for i := 1; i < len(closest); i++ {
			assert.LessOrEqual(t, CompareDistance(closest[i-1].ID, closest[i].ID, target), 0)
		}

		expected := SortClosestContacts(rt.ListContacts(), target)
		if len(expected) > 20 {
			expected = expected[:20]
		}
		require.Len(t, closest, len(expected))
		for i := range expected {
			assert.Equal(t, expected[i].ID, closest[i].ID)
		}
	}

	assert.Empty(t, rt.Closest(RandomID(), 0))

	t.Log("✅ Closest与全量排序结果一致")
}

// TestClosest_EmptyTable 测试空表返回空结果
func TestClosest_EmptyTable(t *testing.T) {
	rt := NewContactTable(20, RandomID(), time.Second, 60, clock.NewMock())
	defer rt.Close()

	assert.Empty(t, rt.Closest(RandomID(), 20))

	t.Log("✅ 空表没有联系人")
}

// ============================================================================
// 刷新辅助测试
// ============================================================================

// TestGenRandID 测试生成指定公共前缀长度的标识符
func TestGenRandID(t *testing.T) {
	rt := NewContactTable(20, RandomID(), time.Second, 60, clock.NewMock())
	defer rt.Close()

	for cpl := uint(0); cpl < IDBits; cpl++ {
		id, err := rt.GenRandID(cpl)
		require.NoError(t, err)
		assert.Equal(t, int(cpl), CommonPrefixLen(id, rt.Local()))
	}

	_, err := rt.GenRandID(IDBits)
	assert.Error(t, err)

	t.Log("✅ 生成的标识符具有期望的公共前缀长度")
}

// TestGetTrackedCplsForRefresh 测试刷新跟踪
func TestGetTrackedCplsForRefresh(t *testing.T) {
	rt := NewContactTable(20, RandomID(), time.Second, 60, clock.NewMock())
	defer rt.Close()

	assert.Len(t, rt.GetTrackedCplsForRefresh(), 1)

	rt.Observe(contactWithCpl(t, rt, 3))
	cpls := rt.GetTrackedCplsForRefresh()
	require.Len(t, cpls, 4)

	now := time.Now()
	id, err := rt.GenRandID(2)
	require.NoError(t, err)
	rt.ResetCplRefreshedAtForID(id, now)
	assert.Equal(t, now, rt.GetTrackedCplsForRefresh()[2])

	t.Log("✅ 跟踪到最深非空桶的刷新时间")
}

// TestGenRandIDWithCpl 测试以任意标识符为参照生成标识符
func TestGenRandIDWithCpl(t *testing.T) {
	base := RandomID()
	for _, cpl := range []uint{0, 7, 8, 15, 100, IDBits - 1} {
		id, err := GenRandIDWithCpl(base, cpl)
		require.NoError(t, err)
		assert.Equal(t, int(cpl), CommonPrefixLen(base, id))
	}

	t.Log("✅ 公共前缀长度与参照标识符一致")
}
