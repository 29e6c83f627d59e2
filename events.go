package dht

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	kb "github.com/dep2p/kadnode/kbucket"
)

// KindNodeLookup 和 KindValueLookup 区分查找的类型
const (
	KindNodeLookup  = "node"
	KindValueLookup = "value"
)

// LookupEvent 为DHT查找期间发生的每个显著事件发出
// LookupEvent支持JSON序列化,因为它的所有字段都以递归方式支持
type LookupEvent struct {
	// Node 是执行查找的节点ID
	Node kb.ID
	// ID 是查找实例的唯一标识符
	ID uuid.UUID
	// Kind 是查找类型,node或value
	Kind string
	// Key 是用作查找目标的标识符
	Key kb.ID
	// Request 如果不为nil,描述与传出查询请求相关的状态更新事件
	Request *LookupUpdateEvent
	// Response 如果不为nil,描述与传出查询响应相关的状态更新事件
	Response *LookupUpdateEvent
	// Terminate 如果不为nil,描述终止事件
	Terminate *LookupTerminateEvent
}

// NewLookupEvent 创建一个LookupEvent,自动将节点和键转换为相应的类型
// 参数:
//   - node: kb.ID 执行查找的节点
//   - id: uuid.UUID 查找实例ID
//   - kind: string 查找类型
//   - key: kb.ID 查找目标
//   - request: *LookupUpdateEvent 请求事件
//   - response: *LookupUpdateEvent 响应事件
//   - terminate: *LookupTerminateEvent 终止事件
//
// 返回值:
//   - *LookupEvent 创建的查找事件对象
func NewLookupEvent(
	node kb.ID,
	id uuid.UUID,
	kind string,
	key kb.ID,
	request *LookupUpdateEvent,
	response *LookupUpdateEvent,
	terminate *LookupTerminateEvent,
) *LookupEvent {
	return &LookupEvent{
		Node:      node,
		ID:        id,
		Kind:      kind,
		Key:       key,
		Request:   request,
		Response:  response,
		Terminate: terminate,
	}
}

// LookupUpdateEvent 描述查找状态更新事件
type LookupUpdateEvent struct {
	// Cause 是导致更新事件的联系人(通过响应或无响应)
	// 如果Cause为零值,这是查找中由种子引起的第一个更新事件
	Cause kb.ID
	// Source 是告知我们此更新中联系人的节点
	Source kb.ID
	// Heard 是一组联系人,其在查找的联系人集中的状态被设置为"已听到"
	Heard []kb.ID
	// Waiting 是一组联系人,其状态被设置为"等待中"
	Waiting []kb.ID
	// Queried 是一组联系人,其状态被设置为"已查询"
	Queried []kb.ID
	// Unreachable 是一组联系人,其状态被设置为"不可达"
	Unreachable []kb.ID
}

// NewLookupUpdateEvent 创建新的查找更新事件
func NewLookupUpdateEvent(
	cause kb.ID,
	source kb.ID,
	heard []kb.Contact,
	waiting []kb.Contact,
	queried []kb.Contact,
	unreachable []kb.Contact,
) *LookupUpdateEvent {
	return &LookupUpdateEvent{
		Cause:       cause,
		Source:      source,
		Heard:       contactIDs(heard),
		Waiting:     contactIDs(waiting),
		Queried:     contactIDs(queried),
		Unreachable: contactIDs(unreachable),
	}
}

func contactIDs(cs []kb.Contact) []kb.ID {
	if len(cs) == 0 {
		return nil
	}
	ids := make([]kb.ID, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}

// LookupTerminateEvent 描述查找终止事件
type LookupTerminateEvent struct {
	// Reason 是查找终止的原因
	Reason LookupTerminationReason
}

// NewLookupTerminateEvent 使用给定原因创建新的查找终止事件
func NewLookupTerminateEvent(reason LookupTerminationReason) *LookupTerminateEvent {
	return &LookupTerminateEvent{Reason: reason}
}

// LookupTerminationReason 捕获终止查找的原因
type LookupTerminationReason int

// MarshalJSON 返回查找终止原因的JSON编码
func (r LookupTerminationReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// String 返回终止原因的字符串表示
func (r LookupTerminationReason) String() string {
	switch r {
	case LookupStopped:
		return "stopped"
	case LookupCancelled:
		return "cancelled"
	case LookupStarvation:
		return "starvation"
	case LookupCompleted:
		return "completed"
	}
	panic("unreachable")
}

const (
	// LookupStopped 表示查找被用户的stopFn中止
	LookupStopped LookupTerminationReason = iota
	// LookupCancelled 表示查找被上下文中止
	LookupCancelled
	// LookupStarvation 表示查找因缺少未查询的联系人而终止
	LookupStarvation
	// LookupCompleted 表示查找成功终止,达到Kademlia结束条件
	LookupCompleted
)

type routingLookupKey struct{}

// lookupEventChannel 是一个通道及其上下文
// 上下文过期时通道关闭
type lookupEventChannel struct {
	mu  sync.Mutex
	ctx context.Context
	ch  chan<- *LookupEvent
}

// waitThenClose 在上下文完成后关闭通道
func (e *lookupEventChannel) waitThenClose() {
	<-e.ctx.Done()
	e.mu.Lock()
	close(e.ch)
	// 释放内存(以防我们最终长时间持有它)
	e.ch = nil
	e.mu.Unlock()
}

// send 在事件通道上发送事件,如果传入的或内部上下文过期则中止
func (e *lookupEventChannel) send(ctx context.Context, ev *LookupEvent) {
	e.mu.Lock()
	// 已关闭
	if e.ch == nil {
		e.mu.Unlock()
		return
	}
	// 如果传入的上下文无关,则等待两者
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	case <-ctx.Done():
	}
	e.mu.Unlock()
}

// RegisterForLookupEvents 使用给定上下文注册查找事件通道
// 返回的上下文可以传递给DHT查询以在返回的通道上接收查找事件
//
// 当调用者不再对查询事件感兴趣时,必须取消传入的上下文
// 参数:
//   - ctx: context.Context 上下文
//
// 返回值:
//   - context.Context 包含事件通道的上下文
//   - <-chan *LookupEvent 查找事件通道
func RegisterForLookupEvents(ctx context.Context) (context.Context, <-chan *LookupEvent) {
	ch := make(chan *LookupEvent, LookupEventBufferSize)
	ech := &lookupEventChannel{ch: ch, ctx: ctx}
	go ech.waitThenClose()
	return context.WithValue(ctx, routingLookupKey{}, ech), ch
}

// LookupEventBufferSize 是要缓冲的事件数量
var LookupEventBufferSize = 16

// PublishLookupEvent 将查询事件发布到与给定上下文关联的查询事件通道(如果有)
func PublishLookupEvent(ctx context.Context, ev *LookupEvent) {
	ich := ctx.Value(routingLookupKey{})
	if ich == nil {
		return
	}

	// 我们希望在这里panic
	ech := ich.(*lookupEventChannel)
	ech.send(ctx, ev)
}
