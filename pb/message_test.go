package dht_pb

import (
	"testing"
	"time"

	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	kb "github.com/dep2p/kadnode/kbucket"
)

func testContact() kb.Contact {
	return kb.Contact{ID: kb.RandomID(), Addr: ma.StringCast("/ip4/10.0.0.1/tcp/4001")}
}

// ============================================================================
// 编解码测试
// ============================================================================

// TestMessage_RoundTrip 测试完整消息的编解码
func TestMessage_RoundTrip(t *testing.T) {
	sender := testContact()
	key := kb.ConvertKey("k")

	req := NewMessage(Message_FIND_VALUE, uuid.New(), key.Bytes())
	req.SetSender(sender)
	resp := NewResponse(req)
	resp.SetSender(sender)
	resp.CloserPeers = ContactsToPBPeers([]kb.Contact{testContact(), testContact()})
	resp.Records = []Record{NewRecord([]byte("a"), time.Minute), NewRecord([]byte("b"), time.Second)}

	b, err := resp.Marshal()
	require.NoError(t, err)
	assert.Equal(t, resp.Size(), len(b))

	var got Message
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, Message_FIND_VALUE_RESPONSE, got.Type)
	assert.Equal(t, req.Token, got.Token)
	assert.Equal(t, resp.Records, got.Records)
	assert.Len(t, PBPeersToContacts(got.CloserPeers), 2)
	require.NoError(t, got.Validate())

	c, err := got.SenderContact()
	require.NoError(t, err)
	assert.Equal(t, sender.ID, c.ID)
	assert.True(t, sender.Addr.Equal(c.Addr))

	t.Log("✅ 消息编解码保持所有字段")
}

// TestMessage_UnmarshalCopiesBuffer 测试解码结果不引用输入缓冲区
func TestMessage_UnmarshalCopiesBuffer(t *testing.T) {
	m := NewMessage(Message_PING, uuid.New(), nil)
	m.SetSender(testContact())
	b, err := m.Marshal()
	require.NoError(t, err)

	var got Message
	require.NoError(t, got.Unmarshal(b))
	token := append([]byte(nil), got.Token...)
	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, token, got.Token)

	t.Log("✅ 解码复制了字节字段")
}

// TestMessage_SkipsUnknownFields 测试未知字段被跳过
func TestMessage_SkipsUnknownFields(t *testing.T) {
	m := NewMessage(Message_PING, uuid.New(), nil)
	m.SetSender(testContact())
	b, err := m.Marshal()
	require.NoError(t, err)

	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)

	var got Message
	require.NoError(t, got.Unmarshal(b))
	assert.NoError(t, got.Validate())

	t.Log("✅ 未知字段不影响解码")
}

// ============================================================================
// 畸形输入测试
// ============================================================================

// TestMessage_UnmarshalMalformed 测试畸形输入被拒绝而不是panic
func TestMessage_UnmarshalMalformed(t *testing.T) {
	inputs := [][]byte{
		{0xff},             // 不完整的tag
		{0x12, 0x05, 0x01}, // 长度超出
		{0x08},             // 缺少varint
		{0x10, 0x01},       // 字段2应为bytes类型
	}
	for _, in := range inputs {
		var m Message
		err := m.Unmarshal(in)
		assert.ErrorIs(t, err, ErrMalformed, "输入 %x", in)
	}

	t.Log("✅ 畸形输入返回ErrMalformed")
}

// TestMessage_Validate 测试消息校验
func TestMessage_Validate(t *testing.T) {
	sender := testContact()

	noToken := &Message{Type: Message_PING}
	noToken.SetSender(sender)
	assert.ErrorIs(t, noToken.Validate(), ErrMalformed)

	noSender := NewMessage(Message_PING, uuid.New(), nil)
	assert.ErrorIs(t, noSender.Validate(), ErrMalformed)

	badKey := NewMessage(Message_FIND_NODE, uuid.New(), []byte("short"))
	badKey.SetSender(sender)
	assert.ErrorIs(t, badKey.Validate(), ErrMalformed)

	emptyStore := NewMessage(Message_STORE, uuid.New(), kb.RandomID().Bytes())
	emptyStore.SetSender(sender)
	assert.ErrorIs(t, emptyStore.Validate(), ErrMalformed)

	unknown := NewMessage(Message_MessageType(42), uuid.New(), nil)
	unknown.SetSender(sender)
	assert.ErrorIs(t, unknown.Validate(), ErrMalformed)

	ok := NewMessage(Message_STORE, uuid.New(), kb.RandomID().Bytes())
	ok.SetSender(sender)
	ok.Records = []Record{NewRecord([]byte("v"), time.Minute)}
	assert.NoError(t, ok.Validate())

	t.Log("✅ 缺失令牌/发送方/键/条目的消息被拒绝")
}

// TestMessageType_ResponseType 测试请求与响应类型的对应关系
func TestMessageType_ResponseType(t *testing.T) {
	assert.Equal(t, Message_PING_RESPONSE, Message_PING.ResponseType())
	assert.Equal(t, Message_STORE_RESPONSE, Message_STORE.ResponseType())
	assert.Equal(t, Message_FIND_NODE_RESPONSE, Message_FIND_NODE.ResponseType())
	assert.Equal(t, Message_FIND_VALUE_RESPONSE, Message_FIND_VALUE.ResponseType())
	assert.True(t, Message_FIND_VALUE_RESPONSE.IsResponse())
	assert.False(t, Message_STORE.IsResponse())

	t.Log("✅ 响应类型映射正确")
}

// TestRecord_TTL 测试条目生存时间换算
func TestRecord_TTL(t *testing.T) {
	r := NewRecord(nil, 1500*time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, r.TTL())

	r = NewRecord(nil, -time.Second)
	assert.Equal(t, time.Duration(0), r.TTL())

	r = Record{TtlMs: ^uint64(0)}
	assert.Greater(t, r.TTL(), time.Duration(0))

	t.Log("✅ TTL换算和溢出保护正确")
}
