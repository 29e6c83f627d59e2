package config

import (
	"fmt"
	"math"
	"time"
)

// StoreOptions 单次存储操作的选项
type StoreOptions struct {
	// Quorum 所需确认数,0表示按比例计算
	Quorum int
	// TTL 条目生存时间,0表示使用默认值
	TTL time.Duration
}

// StoreOption 存储选项类型
type StoreOption func(*StoreOptions) error

const defaultQuorum = 0

// Apply 将给定的选项应用到存储选项
func (o *StoreOptions) Apply(opts ...StoreOption) error {
	for i, opt := range opts {
		if err := opt(o); err != nil {
			return fmt.Errorf("存储选项 %d 失败: %s", i, err)
		}
	}
	return nil
}

// GetQuorum 获取所需确认数
// 未指定时按fraction比例计算,至少为1,且不超过目标数
// 参数:
//   - opts: *StoreOptions 存储选项
//   - targets: int 存储目标数
//   - fraction: float64 法定比例
//
// 返回值:
//   - int 所需确认数
func GetQuorum(opts *StoreOptions, targets int, fraction float64) int {
	responsesNeeded := defaultQuorum
	if opts != nil {
		responsesNeeded = opts.Quorum
	}
	if responsesNeeded <= 0 {
		responsesNeeded = int(math.Ceil(fraction * float64(targets)))
	}
	if responsesNeeded > targets {
		responsesNeeded = targets
	}
	if responsesNeeded < 1 {
		responsesNeeded = 1
	}
	return responsesNeeded
}
