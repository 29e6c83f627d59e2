package crawler

import (
	"fmt"
	"time"

	kb "github.com/dep2p/kadnode/kbucket"
)

// Option DHT爬虫选项类型
type Option func(*options) error

type options struct {
	parallelism   int
	perMsgTimeout time.Duration
	maxCpl        uint
}

// defaults 默认的爬虫选项。此选项将自动添加到传递给爬虫构造函数的任何选项之前。
// 参数:
//   - o: *options 选项指针
//
// 返回值:
//   - error 错误信息
var defaults = func(o *options) error {
	o.parallelism = 64
	o.perMsgTimeout = time.Second * 5
	o.maxCpl = 15

	return nil
}

// WithParallelism 定义可以并行发出的查询数量
// 参数:
//   - parallelism: int 并行度
//
// 返回值:
//   - Option 选项函数
func WithParallelism(parallelism int) Option {
	return func(o *options) error {
		if parallelism <= 0 {
			return fmt.Errorf("并行度必须为正数: %d", parallelism)
		}
		o.parallelism = parallelism
		return nil
	}
}

// WithMsgTimeout 定义单个DHT消息在被视为失败之前允许花费的时间
// 参数:
//   - timeout: time.Duration 超时时间
//
// 返回值:
//   - Option 选项函数
func WithMsgTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		o.perMsgTimeout = timeout
		return nil
	}
}

// WithMaxCpl 设置每个节点探测到的最大公共前缀长度
// 网络越大,节点路由表中深层的桶越满,需要的值越大
func WithMaxCpl(cpl uint) Option {
	return func(o *options) error {
		if cpl >= kb.IDBits {
			return fmt.Errorf("公共前缀长度必须小于 %d", kb.IDBits)
		}
		o.maxCpl = cpl
		return nil
	}
}
