package dht

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrTimeout 操作或单个请求超出时限,且没有足够的信息继续
	ErrTimeout = errors.New("操作超时")
	// ErrUnreachable 没有可用的联系人来开始或继续查找
	ErrUnreachable = errors.New("网络不可达")
	// ErrNotFound 完整的值查找结束后没有找到键
	ErrNotFound = errors.New("未找到")
	// ErrPartialReplication 存储确认数少于法定数量但至少有一个
	ErrPartialReplication = errors.New("部分复制")
	// ErrInvalidResponse 响应格式错误或与请求不匹配
	ErrInvalidResponse = errors.New("无效响应")
	// ErrClosed DHT已关闭
	ErrClosed = errors.New("DHT已关闭")
)

// PartialReplicationError 描述一次未达到法定确认数的存储
type PartialReplicationError struct {
	// 确认存储的节点数
	Acks int
	// 需要的确认数
	Quorum int
	// 尝试存储的目标数
	Targets int
	// 各目标的失败原因
	Errs error
}

// Error 实现error接口
func (e *PartialReplicationError) Error() string {
	msg := fmt.Sprintf("部分复制: %d/%d 个确认 (法定数 %d)", e.Acks, e.Targets, e.Quorum)
	if errs := multierr.Errors(e.Errs); len(errs) > 0 {
		msg += fmt.Sprintf(", %d 个失败, 首个: %v", len(errs), errs[0])
	}
	return msg
}

// Unwrap 使errors.Is(err, ErrPartialReplication)成立
func (e *PartialReplicationError) Unwrap() error {
	return ErrPartialReplication
}

// OpError 记录公开操作失败时的操作名
type OpError struct {
	Op  string
	Err error
}

// Error 实现error接口
func (e *OpError) Error() string {
	return fmt.Sprintf("dht %s: %v", e.Op, e.Err)
}

// Unwrap 返回底层错误
func (e *OpError) Unwrap() error {
	return e.Err
}

// opError 包装公开操作的错误,nil保持为nil
func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Err: err}
}
