// Package netsize 根据查找结果估计网络中的节点数
//
// 每次完整的查找都给出距离目标最近的K个联系人,第i近的联系人到目标的归一化距离
// 在均匀分布的网络中期望为 i/(N+1)。对各个名次的平均距离做过原点的线性拟合,
// 斜率的倒数即为网络规模的估计。
package netsize

import (
	"errors"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"gonum.org/v1/gonum/mathext"

	kbucket "github.com/dep2p/kadnode/kbucket"
)

var (
	// ErrNotEnoughData 某个名次的测量数据不足
	ErrNotEnoughData = errors.New("数据不足")
	// ErrWrongNumOfPeers 查找结果的联系人数不等于桶大小
	ErrWrongNumOfPeers = errors.New("预期的联系人数量错误")
)

var (
	// MaxMeasurementAge 测量数据的有效期
	MaxMeasurementAge = 2 * time.Hour
	// MinMeasurementsThreshold 每个名次至少需要的测量数
	MinMeasurementsThreshold = 5
	// MaxMeasurementsThreshold 每个名次最多保留的测量数
	MaxMeasurementsThreshold = 150
)

var (
	logger = logging.Logger("dht/netsize")

	keyspaceMax = func() *big.Float {
		i, _ := new(big.Int).SetString(strings.Repeat("1", kbucket.IDBits), 2)
		return new(big.Float).SetInt(i)
	}()
)

// NormedDistance 计算标识符到键的XOR距离,归一化到[0, 1]
func NormedDistance(id, k kbucket.ID) float64 {
	d := id.Xor(k)
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(new(big.Int).SetBytes(d[:])), keyspaceMax).Float64()
	return f
}

type measurement struct {
	distance float64
	weight   float64
	at       time.Time
}

// series 同一名次的测量数据,按时间排序
type series []measurement

// prune 丢弃不晚于cutoff的测量并限制数量
func (s series) prune(cutoff time.Time) series {
	idx := sort.Search(len(s), func(j int) bool { return s[j].at.After(cutoff) })
	if over := len(s) - idx - MaxMeasurementsThreshold; over > 0 {
		idx += over
	}
	if idx == 0 {
		return s
	}
	return append(series(nil), s[idx:]...)
}

// moments 返回加权平均距离和加权标准差
func (s series) moments() (mean, std float64) {
	var sumW, sumWD float64
	for _, m := range s {
		sumW += m.weight
		sumWD += m.weight * m.distance
	}
	mean = sumWD / sumW

	var sumWV float64
	for _, m := range s {
		d := m.distance - mean
		sumWV += m.weight * d * d
	}
	n := float64(len(s))
	return mean, math.Sqrt(sumWV / ((n - 1) / n * sumW))
}

// Estimator 网络规模估计器
// 估计值在下一次Track之前被缓存
type Estimator struct {
	localID    kbucket.ID
	rt         *kbucket.ContactTable
	bucketSize int
	clk        clock.Clock

	mu     sync.Mutex
	ranked []series

	// cached 为0时表示需要重新计算
	cached atomic.Int32
}

// NewEstimator 创建网络规模估计器
// 参数:
//   - rt: *kbucket.ContactTable 本地联系人表,用于给测量数据加权
//   - bucketSize: int 桶大小,即每次查找结果的联系人数
//   - clk: clock.Clock 时钟
//
// 返回值:
//   - *Estimator 估计器
func NewEstimator(rt *kbucket.ContactTable, bucketSize int, clk clock.Clock) *Estimator {
	return &Estimator{
		localID:    rt.Local(),
		rt:         rt,
		bucketSize: bucketSize,
		clk:        clk,
		ranked:     make([]series, bucketSize),
	}
}

// Track 记录一次完整查找的结果
// 参数:
//   - key: kbucket.ID 查找目标
//   - peers: []kbucket.Contact 距离目标最近的联系人,按距离排序
//
// 返回值:
//   - error 联系人数不等于桶大小时返回ErrWrongNumOfPeers
func (e *Estimator) Track(key kbucket.ID, peers []kbucket.Contact) error {
	if len(peers) != e.bucketSize {
		return ErrWrongNumOfPeers
	}

	now := e.clk.Now()
	w := e.weight(key, peers)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cached.Store(0)

	cutoff := now.Add(-MaxMeasurementAge)
	for i, p := range peers {
		s := append(e.ranked[i], measurement{distance: NormedDistance(p.ID, key), weight: w, at: now})
		e.ranked[i] = s.prune(cutoff)
	}
	return nil
}

// NetworkSize 返回当前的网络规模估计
// 返回值:
//   - int32 节点数估计
//   - error 任一名次测量数不足时返回ErrNotEnoughData
func (e *Estimator) NetworkSize() (int32, error) {
	if v := e.cached.Load(); v != 0 {
		return v, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if v := e.cached.Load(); v != 0 {
		return v, nil
	}

	cutoff := e.clk.Now().Add(-MaxMeasurementAge)
	// 过原点的加权最小二乘,名次i+1为自变量
	var sxy, sxx float64
	for i := range e.ranked {
		e.ranked[i] = e.ranked[i].prune(cutoff)
		if len(e.ranked[i]) < MinMeasurementsThreshold {
			return 0, ErrNotEnoughData
		}
		mean, std := e.ranked[i].moments()
		x := float64(i + 1)
		sxy += std * x * mean
		sxx += std * x * x
	}

	size := int32(sxx/sxy - 1)
	if size < 1 {
		size = 1
	}
	e.cached.Store(size)
	logger.Debugw("网络规模估计", "estimate", size)
	return size, nil
}

// weight 计算一次查找结果的权重
// 目标所在的桶越不满,结果越不可信,权重为 2^(桶中联系人数-K)
// 查找发现的联系人可能还没进入联系人表,取表中和结果中较多的一方
func (e *Estimator) weight(key kbucket.ID, peers []kbucket.Contact) float64 {
	cpl := kbucket.CommonPrefixLen(key, e.localID)
	level := e.rt.NContactsForCpl(uint(cpl))
	if level < e.bucketSize {
		found := 0
		for _, p := range peers {
			if kbucket.CommonPrefixLen(p.ID, e.localID) == cpl {
				found++
			}
		}
		if found > level {
			level = found
		}
	}
	return math.Pow(2, float64(level-e.bucketSize))
}

// NodesWithin 估计距离键dist以内至少有多少个节点
// dist以内的节点数近似服从均值为 网络规模*dist 的泊松分布,返回给定确定度下的下界
// 参数:
//   - dist: float64 归一化距离
//   - certainty: float64 确定度,范围(0, 1)
//
// 返回值:
//   - int 节点数下界
//   - error 没有有效的网络规模估计时返回错误
func (e *Estimator) NodesWithin(dist float64, certainty float64) (int, error) {
	size, err := e.NetworkSize()
	if err != nil {
		return 0, err
	}
	lambda := float64(size) * dist
	if lambda <= 0 {
		return 0, nil
	}
	// P(X >= n+1) 随n单调递减
	n := 0
	for mathext.GammaIncReg(float64(n+1), lambda) >= certainty {
		n++
	}
	return n, nil
}
