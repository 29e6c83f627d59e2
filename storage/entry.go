package storage

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	kb "github.com/dep2p/kadnode/kbucket"
)

// Entry 一个键下的单个存储条目
// 同一个键可以有多个条目,每个条目有独立的过期时间
type Entry struct {
	// Key 条目所属的键
	Key kb.ID
	// Payload 不透明的数据
	Payload []byte
	// CreatedAt 条目首次存入的时间
	CreatedAt time.Time
	// ExpiresAt 条目过期的时间
	ExpiresAt time.Time
	// TTL 最近一次延长过期时间的存储请求所用的生存时间
	TTL time.Duration
	// Cached 条目是否只是查找经过时缓存的副本
	Cached bool
	// Republished 条目在本轮是否已被再发布
	Republished bool
}

// Expired 判断条目在now时是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Remaining 返回条目在now时的剩余生存时间
func (e *Entry) Remaining(now time.Time) time.Duration {
	if e.Expired(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

const (
	fieldKey         protowire.Number = 1
	fieldPayload     protowire.Number = 2
	fieldCreatedAt   protowire.Number = 3
	fieldExpiresAt   protowire.Number = 4
	fieldTTL         protowire.Number = 5
	fieldCached      protowire.Number = 6
	fieldRepublished protowire.Number = 7
)

// marshal 将条目编码为存储在数据存储中的字节
// 时间编码为相对epoch的有符号偏移
func (e *Entry) marshal(epoch time.Time) []byte {
	b := make([]byte, 0, len(e.Payload)+64)
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Key[:])
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.CreatedAt.Sub(epoch))))
	b = protowire.AppendTag(b, fieldExpiresAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.ExpiresAt.Sub(epoch))))
	b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TTL))
	b = protowire.AppendTag(b, fieldCached, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(e.Cached))
	b = protowire.AppendTag(b, fieldRepublished, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(e.Republished))
	return b
}

// unmarshalEntry 从数据存储中的字节解码条目
// 参数:
//   - b: []byte 编码后的条目
//   - epoch: time.Time 编码时使用的时间基准
//
// 返回值:
//   - Entry 条目
//   - error 错误信息
func unmarshalEntry(b []byte, epoch time.Time) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			switch num {
			case fieldKey:
				id, err := kb.IDFromBytes(v)
				if err != nil {
					return e, err
				}
				e.Key = id
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			switch num {
			case fieldCreatedAt:
				e.CreatedAt = epoch.Add(time.Duration(protowire.DecodeZigZag(v)))
			case fieldExpiresAt:
				e.ExpiresAt = epoch.Add(time.Duration(protowire.DecodeZigZag(v)))
			case fieldTTL:
				e.TTL = time.Duration(v)
			case fieldCached:
				e.Cached = protowire.DecodeBool(v)
			case fieldRepublished:
				e.Republished = protowire.DecodeBool(v)
			}
			b = b[n:]
		default:
			return e, fmt.Errorf("存储条目字段 %d 类型错误", num)
		}
	}
	return e, nil
}
