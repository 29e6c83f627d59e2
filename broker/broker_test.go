package broker

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kb "github.com/dep2p/kadnode/kbucket"
	pb "github.com/dep2p/kadnode/pb"
)

var testAddr = ma.StringCast("/ip4/127.0.0.1/tcp/4001")

func newTestBroker(t *testing.T) (*Broker, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	b, err := New(Clock(clk), RetentionFloor(time.Minute))
	require.NoError(t, err)
	return b, clk
}

func reception(kind pb.Message_MessageType, from kb.ID, token uuid.UUID) *Reception {
	return &Reception{
		Kind:   kind,
		Sender: kb.Contact{ID: from, Addr: testAddr},
		Token:  token,
	}
}

// receive 从通道读取n条记录
func receive(t *testing.T, ch <-chan *Reception, n int) []*Reception {
	t.Helper()
	out := make([]*Reception, 0, n)
	for len(out) < n {
		select {
		case r, ok := <-ch:
			require.True(t, ok, "通道提前关闭")
			out = append(out, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("只收到 %d 条记录, 期望 %d 条", len(out), n)
		}
	}
	return out
}

// requireClosed 断言通道在推进时钟后关闭且没有多余记录
func requireClosed(t *testing.T, ch <-chan *Reception) {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.False(t, ok, "收到多余记录: %v", r)
	case <-time.After(5 * time.Second):
		t.Fatal("通道没有关闭")
	}
}

// ============================================================================
// 监听测试
// ============================================================================

// TestListen_CountsWithinWindow 测试窗口内两次PING被计数为2
func TestListen_CountsWithinWindow(t *testing.T) {
	b, clk := newTestBroker(t)
	ctx := context.Background()
	peer := kb.RandomID()

	ch := b.Listen(ctx, Any().Kinds(pb.Message_PING), time.Second)
	b.Record(reception(pb.Message_PING, peer, uuid.New()))
	b.Record(reception(pb.Message_FIND_NODE, peer, uuid.New()))
	b.Record(reception(pb.Message_PING, peer, uuid.New()))

	got := receive(t, ch, 2)
	for _, r := range got {
		assert.Equal(t, pb.Message_PING, r.Kind)
	}

	clk.Add(time.Second)
	requireClosed(t, ch)

	t.Log("✅ 窗口内匹配记录计数正确")
}

// TestListen_SenderFilter 测试按发送方过滤
func TestListen_SenderFilter(t *testing.T) {
	b, clk := newTestBroker(t)
	ctx := context.Background()
	a, c, d := kb.RandomID(), kb.RandomID(), kb.RandomID()

	ch := b.Listen(ctx, Any().From(a), time.Second)
	chAny := b.Listen(ctx, Any().FromAny(a, c), time.Second)

	b.Record(reception(pb.Message_PING, d, uuid.New()))
	b.Record(reception(pb.Message_PING, c, uuid.New()))
	b.Record(reception(pb.Message_PING, a, uuid.New()))

	got := receive(t, ch, 1)
	assert.Equal(t, a, got[0].Sender.ID)
	gotAny := receive(t, chAny, 2)
	assert.Equal(t, c, gotAny[0].Sender.ID)
	assert.Equal(t, a, gotAny[1].Sender.ID)

	clk.Add(time.Second)
	requireClosed(t, ch)
	requireClosed(t, chAny)

	t.Log("✅ 只收到来自指定发送方的记录")
}

// TestListen_WindowClosesWithoutRecords 测试没有记录时窗口到期关闭
func TestListen_WindowClosesWithoutRecords(t *testing.T) {
	b, clk := newTestBroker(t)

	ch := b.Listen(context.Background(), Any(), 500*time.Millisecond)
	clk.Add(500 * time.Millisecond)
	requireClosed(t, ch)

	t.Log("✅ 空窗口按时关闭")
}

// TestListen_ContextCancel 测试上下文取消时通道关闭
func TestListen_ContextCancel(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Listen(ctx, Any(), time.Hour)
	cancel()
	requireClosed(t, ch)

	t.Log("✅ 取消上下文关闭监听")
}

// TestListen_ReplaySince 测试回放起始时间之后的已有记录
func TestListen_ReplaySince(t *testing.T) {
	b, clk := newTestBroker(t)
	ctx := context.Background()
	peer := kb.RandomID()

	b.Record(reception(pb.Message_PING, peer, uuid.New()))
	clk.Add(10 * time.Second)
	mark := clk.Now()
	b.Record(reception(pb.Message_STORE, peer, uuid.New()))
	clk.Add(10 * time.Second)

	ch := b.Listen(ctx, Any().Since(mark), time.Second)
	got := receive(t, ch, 1)
	assert.Equal(t, pb.Message_STORE, got[0].Kind)
	clk.Add(time.Second)
	requireClosed(t, ch)

	ch = b.Listen(ctx, Any().During(15*time.Second), time.Second)
	got = receive(t, ch, 1)
	assert.Equal(t, pb.Message_STORE, got[0].Kind)
	clk.Add(time.Second)
	requireClosed(t, ch)

	ch = b.Listen(ctx, Any(), time.Second)
	assert.Len(t, receive(t, ch, 2), 2)
	clk.Add(time.Second)
	requireClosed(t, ch)

	t.Log("✅ 回放只包含起始时间之后的记录")
}

// ============================================================================
// 响应关联测试
// ============================================================================

// TestFirstReply_FirstWins 测试同一令牌先记录的响应优先
func TestFirstReply_FirstWins(t *testing.T) {
	b, clk := newTestBroker(t)
	ctx := context.Background()
	token := uuid.New()
	first, second := kb.RandomID(), kb.RandomID()

	// 请求本身不算响应
	b.Record(reception(pb.Message_PING, second, token))
	b.Record(reception(pb.Message_PING_RESPONSE, first, token))
	b.Record(reception(pb.Message_PING_RESPONSE, second, token))
	b.Record(reception(pb.Message_PING_RESPONSE, kb.RandomID(), uuid.New()))

	r, err := b.FirstReply(ctx, token, clk.Now(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, r.Sender.ID)

	t.Log("✅ 第一个响应胜出")
}

// TestFirstReply_Live 测试等待期间到达的响应
func TestFirstReply_Live(t *testing.T) {
	b, clk := newTestBroker(t)
	token := uuid.New()
	peer := kb.RandomID()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Record(reception(pb.Message_FIND_NODE_RESPONSE, peer, token))
	}()

	r, err := b.FirstReply(context.Background(), token, clk.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, peer, r.Sender.ID)

	t.Log("✅ 实时响应被投递")
}

// TestFirstReply_NoReply 测试窗口内没有响应
func TestFirstReply_NoReply(t *testing.T) {
	b, clk := newTestBroker(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.FirstReply(context.Background(), uuid.New(), clk.Now(), time.Second)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		clk.Add(100 * time.Millisecond)
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrNoReply)
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	t.Log("✅ 超时返回ErrNoReply")
}

// ============================================================================
// 保留测试
// ============================================================================

// TestRetention_Trim 测试超过保留时间且没有窗口引用的记录被删除
func TestRetention_Trim(t *testing.T) {
	b, clk := newTestBroker(t)
	peer := kb.RandomID()

	b.Record(reception(pb.Message_PING, peer, uuid.New()))
	b.Record(reception(pb.Message_PING, peer, uuid.New()))
	assert.Equal(t, 2, b.Len())

	clk.Add(30 * time.Second)
	assert.Equal(t, 0, b.Sweep())

	clk.Add(31 * time.Second)
	assert.Equal(t, 2, b.Sweep())
	assert.Equal(t, 0, b.Len())

	t.Log("✅ 过期记录被清理")
}

// TestRetention_OpenWindowKeepsRecords 测试打开的窗口引用的记录不会被删除
func TestRetention_OpenWindowKeepsRecords(t *testing.T) {
	b, clk := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peer := kb.RandomID()

	ch := b.Listen(ctx, Any().Kinds(pb.Message_STORE), time.Hour)
	b.Record(reception(pb.Message_PING, peer, uuid.New()))

	clk.Add(2 * time.Minute)
	assert.Equal(t, 0, b.Sweep(), "打开的窗口从零时刻开始引用记录")

	cancel()
	requireClosed(t, ch)
	assert.Equal(t, 1, b.Sweep())

	t.Log("✅ 保留时间不短于最长的打开窗口")
}

// TestRetention_PendingReplyDoesNotPinOtherShards 测试等待响应的请求只保留自己分片中发出请求之后的记录
func TestRetention_PendingReplyDoesNotPinOtherShards(t *testing.T) {
	b, clk := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peer := kb.RandomID()

	for i := 0; i < 100; i++ {
		b.Record(reception(pb.Message_PING, peer, uuid.New()))
	}
	clk.Add(10 * time.Minute)

	token := uuid.New()
	done := make(chan error, 1)
	go func() {
		_, err := b.FirstReply(ctx, token, clk.Now(), time.Hour)
		done <- err
	}()

	// 等待监听窗口登记
	require.Eventually(t, func() bool {
		b.openMu.Lock()
		defer b.openMu.Unlock()
		return len(b.openers) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 100, b.Sweep(), "等待中的请求不阻止清理旧记录")
	assert.Equal(t, 0, b.Len())

	// 请求发出之后的响应仍然投递
	b.Record(reception(pb.Message_PING_RESPONSE, peer, token))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("没有收到响应")
	}

	t.Log("✅ 等待中的请求不阻止回收接收记录")
}

// TestFirstReply_ReplayAfterSince 测试监听之前到达的响应只要晚于since就会回放
func TestFirstReply_ReplayAfterSince(t *testing.T) {
	b, clk := newTestBroker(t)
	token := uuid.New()
	peer := kb.RandomID()

	b.Record(reception(pb.Message_PING_RESPONSE, kb.RandomID(), token))
	clk.Add(time.Second)
	sent := clk.Now()
	clk.Add(time.Second)
	b.Record(reception(pb.Message_PING_RESPONSE, peer, token))

	r, err := b.FirstReply(context.Background(), token, sent, time.Second)
	require.NoError(t, err)
	assert.Equal(t, peer, r.Sender.ID)

	t.Log("✅ 早于since的记录被忽略")
}
