package netsize

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kbucket "github.com/dep2p/kadnode/kbucket"
)

const bucketSize = 20

func newTestEstimator(t *testing.T) (*Estimator, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	rt := kbucket.NewContactTable(bucketSize, kbucket.RandomID(), time.Second, 60, clk)
	t.Cleanup(func() { _ = rt.Close() })
	return NewEstimator(rt, bucketSize, clk), clk
}

// population 生成n个随机联系人
func population(n int) []kbucket.Contact {
	addr := ma.StringCast("/ip4/127.0.0.1/tcp/4001")
	out := make([]kbucket.Contact, n)
	for i := range out {
		out[i] = kbucket.Contact{ID: kbucket.RandomID(), Addr: addr}
	}
	return out
}

// ============================================================================
// 网络规模估计测试
// ============================================================================

// TestEstimator_NetworkSize 测试从查找结果估计网络规模
func TestEstimator_NetworkSize(t *testing.T) {
	e, _ := newTestEstimator(t)
	const n = 2000
	all := population(n)

	_, err := e.NetworkSize()
	assert.ErrorIs(t, err, ErrNotEnoughData)
	assert.ErrorIs(t, e.Track(kbucket.RandomID(), all[:3]), ErrWrongNumOfPeers)

	for i := 0; i < 50; i++ {
		key := kbucket.RandomID()
		closest := kbucket.SortClosestContacts(append([]kbucket.Contact(nil), all...), key)[:bucketSize]
		require.NoError(t, e.Track(key, closest))
	}

	size, err := e.NetworkSize()
	require.NoError(t, err)
	assert.Greater(t, size, int32(n/2))
	assert.Less(t, size, int32(2*n))

	// 下界随确定度降低而增大
	strict, err := e.NodesWithin(10.0/n, 0.99)
	require.NoError(t, err)
	loose, err := e.NodesWithin(10.0/n, 0.5)
	require.NoError(t, err)
	assert.LessOrEqual(t, strict, loose)
	assert.Greater(t, loose, 0)
	assert.Less(t, loose, 25)

	zero, err := e.NodesWithin(0, 0.9)
	require.NoError(t, err)
	assert.Equal(t, 0, zero)

	t.Logf("✅ 估计网络规模 %d (实际 %d)", size, n)
}

// TestEstimator_MeasurementsExpire 测试过期的测量数据被丢弃
func TestEstimator_MeasurementsExpire(t *testing.T) {
	e, clk := newTestEstimator(t)
	all := population(500)

	for i := 0; i < MinMeasurementsThreshold; i++ {
		key := kbucket.RandomID()
		closest := kbucket.SortClosestContacts(append([]kbucket.Contact(nil), all...), key)[:bucketSize]
		require.NoError(t, e.Track(key, closest))
	}
	_, err := e.NetworkSize()
	require.NoError(t, err)

	clk.Add(MaxMeasurementAge + time.Minute)
	key := kbucket.RandomID()
	require.NoError(t, e.Track(key, kbucket.SortClosestContacts(all, key)[:bucketSize]))
	_, err = e.NetworkSize()
	assert.ErrorIs(t, err, ErrNotEnoughData)

	t.Log("✅ 过期测量数据不参与估计")
}

// TestNormedDistance 测试归一化距离
func TestNormedDistance(t *testing.T) {
	id := kbucket.RandomID()
	assert.Equal(t, 0.0, NormedDistance(id, id))

	var far kbucket.ID
	for i := range far {
		far[i] = ^id[i]
	}
	assert.InDelta(t, 1.0, NormedDistance(id, far), 1e-9)
}

// TestEstimator_MeasurementsCapped 测试每个名次的测量数不超过上限,缓存在新的测量后失效
func TestEstimator_MeasurementsCapped(t *testing.T) {
	e, clk := newTestEstimator(t)
	all := population(300)

	for i := 0; i < MaxMeasurementsThreshold+10; i++ {
		key := kbucket.RandomID()
		require.NoError(t, e.Track(key, kbucket.SortClosestContacts(all, key)[:bucketSize]))
		clk.Add(time.Second)
	}
	for _, s := range e.ranked {
		assert.Len(t, s, MaxMeasurementsThreshold)
	}

	size, err := e.NetworkSize()
	require.NoError(t, err)
	assert.Equal(t, size, e.cached.Load())

	key := kbucket.RandomID()
	require.NoError(t, e.Track(key, kbucket.SortClosestContacts(all, key)[:bucketSize]))
	assert.Equal(t, int32(0), e.cached.Load())

	t.Log("✅ 测量数受上限约束")
}
