package kbucket

import (
	"crypto/rand"
	"fmt"
	"time"
)

// maxCplForRefresh 是我们支持刷新的最大公共前缀长度
// 更深的桶不参与周期性刷新
const maxCplForRefresh uint = 15

// GetTrackedCplsForRefresh 返回我们正在跟踪刷新的公共前缀长度
// 返回值:
//   - []time.Time 每个公共前缀长度对应的上次刷新时间
//
// 注意: 调用者可以自由修改返回的切片,因为这是一个防御性副本
func (rt *ContactTable) GetTrackedCplsForRefresh() []time.Time {
	maxCommonPrefix := rt.maxCommonPrefix()
	if maxCommonPrefix > maxCplForRefresh {
		maxCommonPrefix = maxCplForRefresh
	}

	rt.cplRefreshLk.RLock()
	defer rt.cplRefreshLk.RUnlock()

	cpls := make([]time.Time, maxCommonPrefix+1)
	for i := uint(0); i <= maxCommonPrefix; i++ {
		// 如果我们还没有刷新它,则默认为零值
		cpls[i] = rt.cplRefreshedAt[i]
	}
	return cpls
}

// GenRandID 生成一个与本地标识符公共前缀长度恰好为targetCpl的随机标识符
// 参数:
//   - targetCpl: uint 目标公共前缀长度
//
// 返回值:
//   - ID 生成的标识符
//   - error 错误信息
func (rt *ContactTable) GenRandID(targetCpl uint) (ID, error) {
	return GenRandIDWithCpl(rt.local, targetCpl)
}

// GenRandIDWithCpl 生成一个与base公共前缀长度恰好为targetCpl的随机标识符
// 参数:
//   - base: ID 参照标识符
//   - targetCpl: uint 目标公共前缀长度
//
// 返回值:
//   - ID 生成的标识符
//   - error 错误信息
//
// 注意: 返回的标识符与base的前 targetCpl 位相同,第 targetCpl+1 位相反,其余位随机
func GenRandIDWithCpl(base ID, targetCpl uint) (ID, error) {
	if targetCpl >= IDBits {
		return ID{}, fmt.Errorf("无法为不小于 %d 的公共前缀长度生成标识符", IDBits)
	}
	partialOffset := targetCpl / 8

	var output ID
	copy(output[:], base[:partialOffset])
	if _, err := rand.Read(output[partialOffset:]); err != nil {
		return ID{}, err
	}

	remainingBits := 8 - targetCpl%8
	orig := base[partialOffset]

	origMask := ^uint8(0) << remainingBits
	randMask := ^origMask >> 1
	flippedBitOffset := remainingBits - 1
	flippedBitMask := uint8(1) << flippedBitOffset

	// 恢复 orig 的 8-remainingBits 个最高有效位,并翻转 orig 的第 flippedBitOffset 位
	output[partialOffset] = orig&origMask | (orig&flippedBitMask)^flippedBitMask | output[partialOffset]&randMask

	return output, nil
}

// ResetCplRefreshedAtForID 重置给定ID所在公共前缀长度的刷新时间
// 参数:
//   - id: ID 查询目标
//   - newTime: time.Time 新的刷新时间
func (rt *ContactTable) ResetCplRefreshedAtForID(id ID, newTime time.Time) {
	cpl := CommonPrefixLen(id, rt.local)
	if uint(cpl) > maxCplForRefresh {
		return
	}

	rt.cplRefreshLk.Lock()
	defer rt.cplRefreshLk.Unlock()

	rt.cplRefreshedAt[uint(cpl)] = newTime
}
