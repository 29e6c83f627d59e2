package dht_pb

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	kb "github.com/dep2p/kadnode/kbucket"
)

var log = logging.Logger("dht.pb")

// NewMessage 构造一个新的DHT消息
// 参数:
//   - typ: Message_MessageType 消息类型
//   - token: uuid.UUID 关联令牌
//   - key: []byte 键值
//
// 返回值:
//   - *Message DHT消息对象
func NewMessage(typ Message_MessageType, token uuid.UUID, key []byte) *Message {
	return &Message{
		Type:  typ,
		Token: token[:],
		Key:   key,
	}
}

// NewResponse 构造对req的响应,令牌和键原样回显
func NewResponse(req *Message) *Message {
	return &Message{
		Type:  req.Type.ResponseType(),
		Token: append([]byte(nil), req.Token...),
		Key:   req.Key,
	}
}

// SetSender 设置消息的发送方信息
// 参数:
//   - c: kb.Contact 本地联系人信息
func (m *Message) SetSender(c kb.Contact) {
	m.SenderId = c.ID.Bytes()
	if c.Addr != nil {
		m.SenderAddr = c.Addr.Bytes()
	}
}

// TokenUUID 返回消息的关联令牌
func (m *Message) TokenUUID() (uuid.UUID, error) {
	return uuid.FromBytes(m.Token)
}

// SenderContact 返回消息中声明的发送方联系人
// 返回值:
//   - kb.Contact 发送方
//   - error 发送方信息缺失或无效时返回错误
func (m *Message) SenderContact() (kb.Contact, error) {
	return PBPeerToContact(Message_Peer{Id: m.SenderId, Addr: m.SenderAddr})
}

// KeyID 将消息的键解析为标识符
func (m *Message) KeyID() (kb.ID, error) {
	return kb.IDFromBytes(m.Key)
}

// Validate 检查消息是否结构完整
// 来自网络的任何消息都必须先通过校验才会被处理
// 返回值:
//   - error 错误信息
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: 未知消息类型 %d", ErrMalformed, int32(m.Type))
	}
	if _, err := m.TokenUUID(); err != nil {
		return fmt.Errorf("%w: 令牌无效: %v", ErrMalformed, err)
	}
	if _, err := m.SenderContact(); err != nil {
		return fmt.Errorf("%w: 发送方无效: %v", ErrMalformed, err)
	}
	switch m.Type {
	case Message_FIND_NODE, Message_FIND_VALUE, Message_STORE:
		if _, err := m.KeyID(); err != nil {
			return fmt.Errorf("%w: %s 键无效", ErrMalformed, m.Type)
		}
	}
	if m.Type == Message_STORE && len(m.Records) == 0 {
		return fmt.Errorf("%w: STORE 缺少条目", ErrMalformed)
	}
	return nil
}

// ContactToPBPeer 将联系人转换为Message_Peer
// 参数:
//   - c: kb.Contact 联系人
//
// 返回值:
//   - Message_Peer 消息联系人
func ContactToPBPeer(c kb.Contact) Message_Peer {
	var pbp Message_Peer
	pbp.Id = c.ID.Bytes()
	if c.Addr != nil {
		pbp.Addr = c.Addr.Bytes() // 使用Bytes而不是String,已压缩
	}
	return pbp
}

// ContactsToPBPeers 将联系人切片转换为Message_Peer切片
func ContactsToPBPeers(cs []kb.Contact) []Message_Peer {
	pbpeers := make([]Message_Peer, len(cs))
	for i, c := range cs {
		pbpeers[i] = ContactToPBPeer(c)
	}
	return pbpeers
}

// PBPeerToContact 将Message_Peer转换为联系人
// 参数:
//   - pbp: Message_Peer 消息联系人
//
// 返回值:
//   - kb.Contact 联系人
//   - error 标识符或地址无效时返回错误
func PBPeerToContact(pbp Message_Peer) (kb.Contact, error) {
	id, err := kb.IDFromBytes(pbp.Id)
	if err != nil {
		return kb.Contact{}, err
	}
	if len(pbp.Addr) == 0 {
		return kb.Contact{}, fmt.Errorf("联系人 %s 缺少地址", id.ShortString())
	}
	addr, err := ma.NewMultiaddrBytes(pbp.Addr)
	if err != nil {
		return kb.Contact{}, err
	}
	return kb.Contact{ID: id, Addr: addr}, nil
}

// PBPeersToContacts 将Message_Peer切片转换为联系人切片
// 参数:
//   - pbps: []Message_Peer 消息联系人切片
//
// 返回值:
//   - []kb.Contact 联系人切片,无效条目将被静默忽略
func PBPeersToContacts(pbps []Message_Peer) []kb.Contact {
	out := make([]kb.Contact, 0, len(pbps))
	for _, pbp := range pbps {
		c, err := PBPeerToContact(pbp)
		if err != nil {
			log.Debugw("解码联系人时出错", "error", err)
			continue
		}
		out = append(out, c)
	}
	return out
}

// NewRecord 构造带剩余生存时间的条目
func NewRecord(payload []byte, ttl time.Duration) Record {
	if ttl < 0 {
		ttl = 0
	}
	return Record{Payload: payload, TtlMs: uint64(ttl / time.Millisecond)}
}

// TTL 返回条目的剩余生存时间
func (r *Record) TTL() time.Duration {
	const maxMs = uint64(1<<63-1) / uint64(time.Millisecond)
	if r.TtlMs > maxMs {
		return time.Duration(maxMs) * time.Millisecond
	}
	return time.Duration(r.TtlMs) * time.Millisecond
}
