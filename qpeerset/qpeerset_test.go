package qpeerset

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/dep2p/kadnode/kbucket"
)

var testAddr = ma.StringCast("/ip4/127.0.0.1/tcp/4001")

// idWithDistance 构造一个与target距离为末字节d的标识符
func idWithDistance(target kb.ID, d byte) kb.ID {
	id := target
	id[kb.IDLen-1] ^= d
	return id
}

func contact(id kb.ID) kb.Contact {
	return kb.Contact{ID: id, Addr: testAddr}
}

func ids(cs []kb.Contact) []kb.ID {
	out := make([]kb.ID, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

// ============================================================================
// 状态机测试
// ============================================================================

// TestQueryPeerset 测试状态转换和按距离排序
func TestQueryPeerset(t *testing.T) {
	target := kb.ConvertKey("target")
	qp := NewQueryPeerset(target)

	a := idWithDistance(target, 0x01)
	b := idWithDistance(target, 0x02)
	c := idWithDistance(target, 0x04)
	d := idWithDistance(target, 0x08)
	referrer := kb.RandomID()

	require.Empty(t, qp.GetClosestNInStates(1, PeerHeard))

	assert.True(t, qp.TryAdd(contact(c), referrer))
	assert.True(t, qp.TryAdd(contact(a), referrer))
	assert.True(t, qp.TryAdd(contact(d), referrer))
	assert.False(t, qp.TryAdd(contact(a), kb.RandomID()), "重复添加无效")

	assert.Equal(t, []kb.ID{a, c, d}, ids(qp.GetClosestInStates(PeerHeard)))
	assert.Equal(t, []kb.ID{a, c}, ids(qp.GetClosestNInStates(2, PeerHeard)))
	assert.Equal(t, referrer, qp.GetReferrer(a))

	qp.SetState(a, PeerWaiting)
	assert.Equal(t, PeerWaiting, qp.GetState(a))
	assert.Equal(t, 1, qp.NumWaiting())
	assert.Equal(t, 2, qp.NumHeard())

	assert.True(t, qp.TryAdd(contact(b), a))
	assert.Equal(t, []kb.ID{b, c, d}, ids(qp.GetClosestInStates(PeerHeard)))

	qp.SetState(a, PeerQueried)
	qp.SetState(b, PeerUnreachable)
	assert.Equal(t, []kb.ID{a, c}, ids(qp.GetClosestNInStates(2, PeerQueried, PeerHeard)))
	assert.Equal(t, []kb.ID{a, b, c, d}, ids(qp.GetClosestInStates(PeerHeard, PeerWaiting, PeerQueried, PeerUnreachable)))

	assert.Equal(t, 1, qp.CountCloserThan(c, PeerQueried))
	assert.Equal(t, 2, qp.CountCloserThan(d, PeerQueried, PeerHeard))

	got, ok := qp.GetContact(d)
	assert.True(t, ok)
	assert.Equal(t, d, got.ID)
	_, ok = qp.GetContact(kb.RandomID())
	assert.False(t, ok)

	t.Log("✅ 联系人状态机和排序正确")
}

// TestQueryPeerset_PanicsOnUnknown 测试对未知联系人设置状态会panic
func TestQueryPeerset_PanicsOnUnknown(t *testing.T) {
	qp := NewQueryPeerset(kb.RandomID())
	assert.Panics(t, func() { qp.SetState(kb.RandomID(), PeerQueried) })
}
