package net

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/dep2p/kadnode/kbucket"
	pb "github.com/dep2p/kadnode/pb"
)

type received struct {
	from ma.Multiaddr
	msg  *pb.Message
}

func collect(t Transport) <-chan received {
	ch := make(chan received, 16)
	t.SetHandler(func(from ma.Multiaddr, msg *pb.Message) {
		ch <- received{from: from, msg: msg}
	})
	return ch
}

func pingFrom(addr ma.Multiaddr) *pb.Message {
	m := pb.NewMessage(pb.Message_PING, uuid.New(), nil)
	m.SetSender(kb.Contact{ID: kb.RandomID(), Addr: addr})
	return m
}

func waitFor(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("没有收到消息")
	}
	return received{}
}

// ============================================================================
// 帧编解码测试
// ============================================================================

// TestWriteReadMsg 测试带长度前缀的消息读写
func TestWriteReadMsg(t *testing.T) {
	var buf bytes.Buffer
	m1 := pingFrom(ma.StringCast("/ip4/10.0.0.1/tcp/1"))
	m2 := pingFrom(ma.StringCast("/ip4/10.0.0.2/tcp/2"))
	require.NoError(t, WriteMsg(&buf, m1))
	require.NoError(t, WriteMsg(&buf, m2))

	r := msgio.NewVarintReaderSize(&buf, MessageSizeMax)
	got1, n, err := ReadMsg(r)
	require.NoError(t, err)
	assert.Equal(t, m1.Size(), n)
	assert.Equal(t, m1.Token, got1.Token)

	got2, _, err := ReadMsg(r)
	require.NoError(t, err)
	assert.Equal(t, m2.SenderAddr, got2.SenderAddr)

	t.Log("✅ 连续帧读写正确")
}

// ============================================================================
// 内存传输测试
// ============================================================================

// TestHub_Deliver 测试内存传输投递和静默
func TestHub_Deliver(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport()
	b := hub.NewTransport()
	assert.False(t, a.LocalAddr().Equal(b.LocalAddr()))

	chB := collect(b)
	ctx := context.Background()

	msg := pingFrom(a.LocalAddr())
	require.NoError(t, a.Send(ctx, b.LocalAddr(), msg))
	r := waitFor(t, chB)
	assert.True(t, r.from.Equal(a.LocalAddr()))
	assert.Equal(t, msg.Token, r.msg.Token)

	hub.Drop(b.LocalAddr())
	require.NoError(t, a.Send(ctx, b.LocalAddr(), pingFrom(a.LocalAddr())))
	hub.Wait()
	assert.Len(t, chB, 0, "静默节点收不到消息")

	hub.Restore(b.LocalAddr())
	require.NoError(t, a.Send(ctx, b.LocalAddr(), pingFrom(a.LocalAddr())))
	waitFor(t, chB)

	require.NoError(t, b.Close())
	assert.Error(t, a.Send(ctx, b.LocalAddr(), pingFrom(a.LocalAddr())), "已关闭的地址不可达")
	assert.ErrorIs(t, b.Send(ctx, a.LocalAddr(), pingFrom(b.LocalAddr())), ErrClosed)

	t.Log("✅ 内存传输投递和静默正确")
}

// ============================================================================
// TCP传输测试
// ============================================================================

// TestTCPTransport_SendReceive 测试TCP传输收发消息
func TestTCPTransport_SendReceive(t *testing.T) {
	listen := ma.StringCast("/ip4/127.0.0.1/tcp/0")
	a, err := ListenTCP(listen)
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenTCP(listen)
	require.NoError(t, err)
	defer b.Close()

	chB := collect(b)
	chA := collect(a)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		msg := pingFrom(a.LocalAddr())
		require.NoError(t, a.Send(ctx, b.LocalAddr(), msg))
		r := waitFor(t, chB)
		assert.Equal(t, msg.Token, r.msg.Token)
		assert.Equal(t, a.LocalAddr().Bytes(), r.msg.SenderAddr)
	}

	// 响应通过反向连接送达
	require.NoError(t, b.Send(ctx, a.LocalAddr(), pingFrom(b.LocalAddr())))
	waitFor(t, chA)

	t.Log("✅ TCP传输收发正确")
}

// TestTCPTransport_Unreachable 测试发送到无人监听的地址
func TestTCPTransport_Unreachable(t *testing.T) {
	a, err := ListenTCP(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)

	b, err := ListenTCP(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	dead := b.LocalAddr()
	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, a.Send(ctx, dead, pingFrom(a.LocalAddr())))

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Send(ctx, dead, pingFrom(a.LocalAddr())), ErrClosed)

	t.Log("✅ 不可达地址返回错误")
}
