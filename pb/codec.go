package dht_pb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed 消息无法解码时返回的错误
var ErrMalformed = errors.New("消息格式错误")

// Message_MessageType 消息类型
type Message_MessageType int32

const (
	Message_PING                Message_MessageType = 0
	Message_PING_RESPONSE       Message_MessageType = 1
	Message_STORE               Message_MessageType = 2
	Message_STORE_RESPONSE      Message_MessageType = 3
	Message_FIND_NODE           Message_MessageType = 4
	Message_FIND_NODE_RESPONSE  Message_MessageType = 5
	Message_FIND_VALUE          Message_MessageType = 6
	Message_FIND_VALUE_RESPONSE Message_MessageType = 7
)

var messageTypeNames = map[Message_MessageType]string{
	Message_PING:                "PING",
	Message_PING_RESPONSE:       "PING_RESPONSE",
	Message_STORE:               "STORE",
	Message_STORE_RESPONSE:      "STORE_RESPONSE",
	Message_FIND_NODE:           "FIND_NODE",
	Message_FIND_NODE_RESPONSE:  "FIND_NODE_RESPONSE",
	Message_FIND_VALUE:          "FIND_VALUE",
	Message_FIND_VALUE_RESPONSE: "FIND_VALUE_RESPONSE",
}

// String 返回消息类型名称
func (t Message_MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// Valid 判断消息类型是否已知
func (t Message_MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// IsResponse 判断是否为响应类型
func (t Message_MessageType) IsResponse() bool {
	return t%2 == 1
}

// ResponseType 返回请求类型对应的响应类型
func (t Message_MessageType) ResponseType() Message_MessageType {
	if t.IsResponse() {
		return t
	}
	return t + 1
}

// StoreResult 存储请求的结果
type StoreResult int32

const (
	StoreResult_OK           StoreResult = 0
	StoreResult_STORAGE_FULL StoreResult = 1
	StoreResult_BLOB_TOO_BIG StoreResult = 2
)

// String 返回存储结果名称
func (r StoreResult) String() string {
	switch r {
	case StoreResult_OK:
		return "OK"
	case StoreResult_STORAGE_FULL:
		return "STORAGE_FULL"
	case StoreResult_BLOB_TOO_BIG:
		return "BLOB_TOO_BIG"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(r))
}

// Message DHT的RPC消息
// 每条消息都携带发起方生成并由响应方回显的关联令牌
type Message struct {
	// 消息类型
	Type Message_MessageType
	// 关联令牌(16字节UUID)
	Token []byte
	// 发送方标识符
	SenderId []byte
	// 发送方接收回复的地址(multiaddr字节形式)
	SenderAddr []byte
	// 查找或存储的键
	Key []byte
	// FIND_NODE期望返回的节点数量
	Count int32
	// 更接近目标的节点
	CloserPeers []Message_Peer
	// 存储或找到的条目
	Records []Record
	// STORE: 是否作为缓存条目存储
	Cached bool
	// STORE_RESPONSE: 存储结果
	Result StoreResult
}

// Message_Peer 消息中携带的联系人信息
type Message_Peer struct {
	Id   []byte
	Addr []byte
}

// Record 消息中携带的存储条目
type Record struct {
	Payload []byte
	// 剩余生存时间(毫秒)
	TtlMs uint64
}

const (
	fieldType        protowire.Number = 1
	fieldToken       protowire.Number = 2
	fieldSenderId    protowire.Number = 3
	fieldSenderAddr  protowire.Number = 4
	fieldKey         protowire.Number = 5
	fieldCount       protowire.Number = 6
	fieldCloserPeers protowire.Number = 7
	fieldRecords     protowire.Number = 8
	fieldCached      protowire.Number = 9
	fieldResult      protowire.Number = 10

	fieldPeerId   protowire.Number = 1
	fieldPeerAddr protowire.Number = 2

	fieldRecordPayload protowire.Number = 1
	fieldRecordTtl     protowire.Number = 2
)

// GetType 返回消息类型
func (m *Message) GetType() Message_MessageType {
	if m == nil {
		return Message_PING
	}
	return m.Type
}

// GetKey 返回消息的键
func (m *Message) GetKey() []byte {
	if m == nil {
		return nil
	}
	return m.Key
}

// Reset 清空消息
func (m *Message) Reset() { *m = Message{} }

// appendBytesField 写入非空字节字段
func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendVarintField 写入非零整数字段
func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// sizeBytesField 返回字节字段的编码长度
func sizeBytesField(num protowire.Number, v []byte) int {
	if len(v) == 0 {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeBytes(len(v))
}

// sizeVarintField 返回整数字段的编码长度
func sizeVarintField(num protowire.Number, v uint64) int {
	if v == 0 {
		return 0
	}
	return protowire.SizeTag(num) + protowire.SizeVarint(v)
}

func (p *Message_Peer) size() int {
	return sizeBytesField(fieldPeerId, p.Id) + sizeBytesField(fieldPeerAddr, p.Addr)
}

func (p *Message_Peer) appendTo(b []byte) []byte {
	b = appendBytesField(b, fieldPeerId, p.Id)
	return appendBytesField(b, fieldPeerAddr, p.Addr)
}

func (r *Record) size() int {
	return sizeBytesField(fieldRecordPayload, r.Payload) + sizeVarintField(fieldRecordTtl, r.TtlMs)
}

func (r *Record) appendTo(b []byte) []byte {
	b = appendBytesField(b, fieldRecordPayload, r.Payload)
	return appendVarintField(b, fieldRecordTtl, r.TtlMs)
}

// Size 返回消息的编码长度
func (m *Message) Size() int {
	if m == nil {
		return 0
	}
	n := sizeVarintField(fieldType, uint64(m.Type))
	n += sizeBytesField(fieldToken, m.Token)
	n += sizeBytesField(fieldSenderId, m.SenderId)
	n += sizeBytesField(fieldSenderAddr, m.SenderAddr)
	n += sizeBytesField(fieldKey, m.Key)
	n += sizeVarintField(fieldCount, uint64(m.Count))
	for i := range m.CloserPeers {
		n += protowire.SizeTag(fieldCloserPeers) + protowire.SizeBytes(m.CloserPeers[i].size())
	}
	for i := range m.Records {
		n += protowire.SizeTag(fieldRecords) + protowire.SizeBytes(m.Records[i].size())
	}
	if m.Cached {
		n += sizeVarintField(fieldCached, 1)
	}
	n += sizeVarintField(fieldResult, uint64(m.Result))
	return n
}

// Marshal 将消息编码为protobuf格式
// 返回值:
//   - []byte 编码后的字节
//   - error 错误信息
func (m *Message) Marshal() ([]byte, error) {
	return m.MarshalAppend(make([]byte, 0, m.Size()))
}

// MarshalAppend 将消息编码追加到b
func (m *Message) MarshalAppend(b []byte) ([]byte, error) {
	if m.Count < 0 {
		return nil, fmt.Errorf("%w: count为负数", ErrMalformed)
	}
	b = appendVarintField(b, fieldType, uint64(m.Type))
	b = appendBytesField(b, fieldToken, m.Token)
	b = appendBytesField(b, fieldSenderId, m.SenderId)
	b = appendBytesField(b, fieldSenderAddr, m.SenderAddr)
	b = appendBytesField(b, fieldKey, m.Key)
	b = appendVarintField(b, fieldCount, uint64(m.Count))
	for i := range m.CloserPeers {
		p := &m.CloserPeers[i]
		b = protowire.AppendTag(b, fieldCloserPeers, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(p.size()))
		b = p.appendTo(b)
	}
	for i := range m.Records {
		r := &m.Records[i]
		b = protowire.AppendTag(b, fieldRecords, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(r.size()))
		b = r.appendTo(b)
	}
	if m.Cached {
		b = appendVarintField(b, fieldCached, 1)
	}
	b = appendVarintField(b, fieldResult, uint64(m.Result))
	return b, nil
}

// fieldError 构造字段解码错误
func fieldError(num protowire.Number, n int) error {
	return fmt.Errorf("%w: 字段 %d: %v", ErrMalformed, num, protowire.ParseError(n))
}

// consumeBytes 读取字节字段并复制,避免引用底层缓冲区
func consumeBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: 字段 %d 类型错误", ErrMalformed, num)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fieldError(num, n)
	}
	return append([]byte(nil), v...), n, nil
}

// consumeVarint 读取整数字段
func consumeVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: 字段 %d 类型错误", ErrMalformed, num)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fieldError(num, n)
	}
	return v, n, nil
}

// decodeFields 遍历b中的所有字段,对每个字段调用fn
// fn返回消耗的字节数;返回-1表示未知字段,由decodeFields跳过
func decodeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fieldError(num, n)
			}
		}
		b = b[n:]
	}
	return nil
}

// Unmarshal 从protobuf格式解码消息
// 未知字段被跳过;字节字段均被复制
// 参数:
//   - b: []byte 编码后的字节
//
// 返回值:
//   - error 错误信息
func (m *Message) Unmarshal(b []byte) error {
	m.Reset()
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldType:
			v, n, err := consumeVarint(num, typ, b)
			m.Type = Message_MessageType(v)
			return n, err
		case fieldToken:
			v, n, err := consumeBytes(num, typ, b)
			m.Token = v
			return n, err
		case fieldSenderId:
			v, n, err := consumeBytes(num, typ, b)
			m.SenderId = v
			return n, err
		case fieldSenderAddr:
			v, n, err := consumeBytes(num, typ, b)
			m.SenderAddr = v
			return n, err
		case fieldKey:
			v, n, err := consumeBytes(num, typ, b)
			m.Key = v
			return n, err
		case fieldCount:
			v, n, err := consumeVarint(num, typ, b)
			if err == nil && v > 1<<31-1 {
				err = fmt.Errorf("%w: count溢出", ErrMalformed)
			}
			m.Count = int32(v)
			return n, err
		case fieldCloserPeers:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return n, err
			}
			var p Message_Peer
			if err := p.unmarshal(v); err != nil {
				return n, err
			}
			m.CloserPeers = append(m.CloserPeers, p)
			return n, nil
		case fieldRecords:
			v, n, err := consumeBytes(num, typ, b)
			if err != nil {
				return n, err
			}
			var r Record
			if err := r.unmarshal(v); err != nil {
				return n, err
			}
			m.Records = append(m.Records, r)
			return n, nil
		case fieldCached:
			v, n, err := consumeVarint(num, typ, b)
			m.Cached = v != 0
			return n, err
		case fieldResult:
			v, n, err := consumeVarint(num, typ, b)
			m.Result = StoreResult(v)
			return n, err
		}
		return -1, nil
	})
}

func (p *Message_Peer) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldPeerId:
			v, n, err := consumeBytes(num, typ, b)
			p.Id = v
			return n, err
		case fieldPeerAddr:
			v, n, err := consumeBytes(num, typ, b)
			p.Addr = v
			return n, err
		}
		return -1, nil
	})
}

func (r *Record) unmarshal(b []byte) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRecordPayload:
			v, n, err := consumeBytes(num, typ, b)
			r.Payload = v
			return n, err
		case fieldRecordTtl:
			v, n, err := consumeVarint(num, typ, b)
			r.TtlMs = v
			return n, err
		}
		return -1, nil
	})
}
