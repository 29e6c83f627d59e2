package kbucket

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/minio/sha256-simd"

	u "github.com/ipfs/boxo/util"
	"github.com/multiformats/go-multibase"
	ks "github.com/whyrusleeping/go-keyspace"
)

// IDLen 标识符的字节长度(160位)
const IDLen = 20

// IDBits 标识符的位数,也是路由表中桶的数量
const IDBits = IDLen * 8

// ErrLookupFailure 当路由表中找不到任何联系人时返回的错误
var ErrLookupFailure = errors.New("路由表中找不到任何联系人")

// ErrInvalidID 标识符长度不正确时返回的错误
var ErrInvalidID = errors.New("标识符长度无效")

// ID 是Kademlia标识符空间中的一个160位标识符
// 标识符之间只比较"到某个目标的距离",不存在绝对顺序
type ID [IDLen]byte

// less 按位比较两个标识符
// 参数:
//   - other: ID 要比较的标识符
//
// 返回值:
//   - bool 如果id小于other则返回true
func (id ID) less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Bytes 返回标识符的字节副本
func (id ID) Bytes() []byte {
	b := make([]byte, IDLen)
	copy(b, id[:])
	return b
}

// IsZero 判断标识符是否全零
func (id ID) IsZero() bool {
	return id == ID{}
}

// String 以multibase base32格式返回标识符
func (id ID) String() string {
	s, err := multibase.Encode(multibase.Base32, id[:])
	if err != nil {
		// 不应该到达这里
		panic(err)
	}
	return s
}

// ShortString 返回标识符的简短形式,用于日志
func (id ID) ShortString() string {
	s := id.String()
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

// Xor 返回两个标识符的异或距离
// 参数:
//   - other: ID 另一个标识符
//
// 返回值:
//   - ID 异或距离
func (id ID) Xor(other ID) ID {
	return xor(id, other)
}

// xor 计算两个标识符的异或
func xor(a, b ID) ID {
	var out ID
	copy(out[:], u.XOR(a[:], b[:]))
	return out
}

// CommonPrefixLen 计算两个标识符的公共前缀长度
// 参数:
//   - a: ID 第一个标识符
//   - b: ID 第二个标识符
//
// 返回值:
//   - int 公共前缀长度,相同的标识符返回IDBits
func CommonPrefixLen(a, b ID) int {
	return ks.ZeroPrefixLen(u.XOR(a[:], b[:]))
}

// IDFromBytes 从字节切片构造标识符
// 参数:
//   - b: []byte 长度必须为IDLen
//
// 返回值:
//   - ID 标识符
//   - error 长度不正确时返回ErrInvalidID
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLen {
		return id, fmt.Errorf("%w: %d", ErrInvalidID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID 解析由String生成的multibase字符串
// 参数:
//   - s: string multibase编码的标识符
//
// 返回值:
//   - ID 标识符
//   - error 错误信息
func ParseID(s string) (ID, error) {
	_, b, err := multibase.Decode(s)
	if err != nil {
		return ID{}, err
	}
	return IDFromBytes(b)
}

// ConvertBytes 将任意字节输入映射为标识符(SHA-256截断为160位)
// 参数:
//   - b: []byte 任意输入
//
// 返回值:
//   - ID 派生的标识符
func ConvertBytes(b []byte) ID {
	hash := sha256.Sum256(b)
	var id ID
	copy(id[:], hash[:IDLen])
	return id
}

// ConvertKey 将字符串键映射为标识符
func ConvertKey(key string) ID {
	return ConvertBytes([]byte(key))
}

// RandomID 生成一个随机标识符
// 返回值:
//   - ID 随机标识符
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}

// Closer 判断a是否比b更接近target
// 参数:
//   - a: ID 第一个标识符
//   - b: ID 第二个标识符
//   - target: ID 目标标识符
//
// 返回值:
//   - bool 如果a到target的距离严格小于b则返回true
func Closer(a, b, target ID) bool {
	return xor(a, target).less(xor(b, target))
}

// CompareDistance 比较a和b到target的距离
// 返回值:
//   - int -1表示a更近,0表示相同,1表示b更近
func CompareDistance(a, b, target ID) int {
	da, db := xor(a, target), xor(b, target)
	return bytes.Compare(da[:], db[:])
}
