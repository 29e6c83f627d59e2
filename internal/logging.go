package internal

import (
	"github.com/multiformats/go-multibase"
)

// multibaseB32Encode 使用Base32编码字节数组
// 参数:
//   - k: []byte 要编码的字节数组
//
// 返回值:
//   - string 编码后的字符串
func multibaseB32Encode(k []byte) string {
	res, err := multibase.Encode(multibase.Base32, k)
	if err != nil {
		// 不应该到达这里
		panic(err)
	}
	return res
}

// LoggableKey 可记录的二进制键
// 日志中以multibase base32格式输出
type LoggableKey []byte

// String 实现Stringer接口
func (lk LoggableKey) String() string {
	if len(lk) == 0 {
		return "<空键>"
	}
	return multibaseB32Encode(lk)
}

// LoggablePayload 可记录的条目数据,过长时只输出前缀
type LoggablePayload []byte

// maxLoggedPayload 日志中输出的数据最大字节数
const maxLoggedPayload = 32

// String 实现Stringer接口
func (lp LoggablePayload) String() string {
	if len(lp) > maxLoggedPayload {
		return multibaseB32Encode(lp[:maxLoggedPayload]) + "..."
	}
	return multibaseB32Encode(lp)
}
