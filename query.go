package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dep2p/kadnode/internal"
	kb "github.com/dep2p/kadnode/kbucket"
	"github.com/dep2p/kadnode/qpeerset"
)

// queryFn 定义了查询单个联系人的函数类型
// 参数:
//   - ctx: context.Context 上下文
//   - c: kb.Contact 要查询的联系人
//
// 返回值:
//   - []kb.Contact 响应中携带的更近联系人
//   - error 错误信息
type queryFn func(context.Context, kb.Contact) ([]kb.Contact, error)

// stopFn 定义了判断是否停止查询的函数类型
// 参数:
//   - qps: *qpeerset.QueryPeerset 查询联系人集合
//
// 返回值:
//   - bool 是否停止查询
type stopFn func(*qpeerset.QueryPeerset) bool

// query 表示一次DHT查找
type query struct {
	// id 查找实例的唯一标识符
	id uuid.UUID

	// kind 查找类型,node或value
	kind string

	// key 查找的目标
	key kb.ID

	// ctx 查找的上下文
	ctx context.Context

	dht *KadDHT

	// seedContacts 作为查找种子的联系人
	seedContacts []kb.Contact

	// queryPeers 查找已知的联系人及其状态
	queryPeers *qpeerset.QueryPeerset

	// terminated 当第一次遇到终止条件时设置
	// 一旦确定终止就保持终止状态
	terminated bool

	// waitGroup 确保在所有查询goroutine完成前查找不会结束
	waitGroup sync.WaitGroup

	queryFn queryFn
	stopFn  stopFn
}

// lookupResult 表示查找结果
type lookupResult struct {
	peers   []kb.Contact // 查找结束时已响应的最近K个联系人
	closest []kb.Contact // 查找结束时最近的K个联系人(任意状态)

	// completed 表示查找是否正常结束,而不是被上下文取消或停止函数提前终止
	completed bool
}

// runQuery 执行一次查找
// 参数:
//   - ctx: context.Context 上下文
//   - kind: string 查找类型
//   - target: kb.ID 目标
//   - queryFn: queryFn 查询函数
//   - stopFn: stopFn 停止函数
//
// 返回值:
//   - *lookupResult 查找结果
//   - *qpeerset.QueryPeerset 查询联系人集合
//   - error 路由表为空时返回ErrUnreachable
func (dht *KadDHT) runQuery(ctx context.Context, kind string, target kb.ID, queryFn queryFn, stopFn stopFn) (*lookupResult, *qpeerset.QueryPeerset, error) {
	ctx, span := internal.StartSpan(ctx, "RunQuery", trace.WithAttributes(
		internal.KeyAsAttribute("Target", target.Bytes()),
		attribute.String("Kind", kind),
	))
	defer span.End()

	// 从路由表中选择K个离目标最近的联系人
	seeds := dht.routingTable.Closest(target, dht.bucketSize)
	if len(seeds) == 0 {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnreachable, kb.ErrLookupFailure)
	}

	q := &query{
		id:           uuid.New(),
		kind:         kind,
		key:          target,
		ctx:          ctx,
		dht:          dht,
		queryPeers:   qpeerset.NewQueryPeerset(target),
		seedContacts: seeds,
		queryFn:      queryFn,
		stopFn:       stopFn,
	}

	q.run()

	return q.constructLookupResult(), q.queryPeers, nil
}

// constructLookupResult 使用查找状态构造查找结果
func (q *query) constructLookupResult() *lookupResult {
	// 饥饿在小型网络中是正常的结束方式,不意味着失败
	completed := q.isLookupTermination() || q.isStarvationTermination()

	return &lookupResult{
		peers:     q.queryPeers.GetClosestNInStates(q.dht.bucketSize, qpeerset.PeerQueried),
		closest:   q.queryPeers.GetClosestNInStates(q.dht.bucketSize, qpeerset.PeerHeard, qpeerset.PeerWaiting, qpeerset.PeerQueried, qpeerset.PeerUnreachable),
		completed: completed,
	}
}

// queryUpdate 表示查询更新信息
type queryUpdate struct {
	cause         kb.ID        // 导致更新的联系人
	queried       []kb.Contact // 已查询的联系人
	heard         []kb.Contact // 听说的联系人
	unreachable   []kb.Contact // 不可达的联系人
	queryDuration time.Duration
}

// run 执行查找循环
// 每一轮最多并发alpha个请求,未完成的请求数降到impatience以下时立即开始下一轮
func (q *query) run() {
	ctx, span := internal.StartSpan(q.ctx, "Query.Run")
	defer span.End()

	pathCtx, cancelPath := context.WithCancel(ctx)
	defer cancelPath()

	alpha := q.dht.alpha

	// 同时未完成的请求最多为alpha+impatience个,加上种子更新
	ch := make(chan *queryUpdate, alpha+q.dht.impatience+1)
	ch <- &queryUpdate{cause: q.dht.self.ID, heard: q.seedContacts}

	// 仅在所有未完成的查询完成后返回
	defer q.waitGroup.Wait()
	for {
		var cause kb.ID
		select {
		case update := <-ch:
			q.updateState(pathCtx, update)
			cause = update.cause
		case <-pathCtx.Done():
			q.terminate(pathCtx, cancelPath, LookupCancelled)
		}

		// 等待中的请求超过impatience时不开始新一轮
		maxNumQueriesToSpawn := 0
		if q.queryPeers.NumWaiting() <= q.dht.impatience {
			maxNumQueriesToSpawn = alpha
		}

		ready, reason, toQuery := q.isReadyToTerminate(pathCtx, maxNumQueriesToSpawn)
		if ready {
			q.terminate(pathCtx, cancelPath, reason)
		}

		if q.terminated {
			return
		}

		for _, c := range toQuery {
			q.spawnQuery(pathCtx, cause, c, ch)
		}
	}
}

// spawnQuery 把联系人置为等待状态并启动查询
// 参数:
//   - ctx: context.Context 上下文
//   - cause: kb.ID 导致查询的联系人
//   - c: kb.Contact 要查询的联系人
//   - ch: chan<- *queryUpdate 查询更新通道
func (q *query) spawnQuery(ctx context.Context, cause kb.ID, c kb.Contact, ch chan<- *queryUpdate) {
	PublishLookupEvent(ctx,
		NewLookupEvent(
			q.dht.self.ID,
			q.id,
			q.kind,
			q.key,
			NewLookupUpdateEvent(
				cause,
				q.queryPeers.GetReferrer(c.ID),
				nil,               // heard
				[]kb.Contact{c},   // waiting
				nil,               // queried
				nil,               // unreachable
			),
			nil,
			nil,
		),
	)
	q.queryPeers.SetState(c.ID, qpeerset.PeerWaiting)
	q.waitGroup.Add(1)
	go q.queryPeer(ctx, ch, c)
}

// isReadyToTerminate 判断是否准备好终止查找,否则返回下一步要查询的联系人
// 参数:
//   - ctx: context.Context 上下文
//   - nPeersToQuery: int 最多返回的联系人数
//
// 返回值:
//   - bool 是否准备好终止
//   - LookupTerminationReason 终止原因
//   - []kb.Contact 要查询的联系人列表
func (q *query) isReadyToTerminate(ctx context.Context, nPeersToQuery int) (bool, LookupTerminationReason, []kb.Contact) {
	// 给应用逻辑一个终止的机会
	if q.stopFn(q.queryPeers) {
		return true, LookupStopped, nil
	}
	if q.isStarvationTermination() {
		return true, LookupStarvation, nil
	}
	if q.isLookupTermination() {
		return true, LookupCompleted, nil
	}
	if nPeersToQuery <= 0 {
		return false, -1, nil
	}

	// 下一步要查询的联系人应该是只听说过的
	return false, -1, q.queryPeers.GetClosestNInStates(nPeersToQuery, qpeerset.PeerHeard)
}

// isLookupTermination 判断是否满足查找终止条件
// 所有非不可达联系人中最近的K个都已查询时查找结束
func (q *query) isLookupTermination() bool {
	peers := q.queryPeers.GetClosestNInStates(q.dht.bucketSize, qpeerset.PeerHeard, qpeerset.PeerWaiting, qpeerset.PeerQueried)
	for _, p := range peers {
		if q.queryPeers.GetState(p.ID) != qpeerset.PeerQueried {
			return false
		}
	}
	return true
}

// isStarvationTermination 判断是否已没有可查询或等待中的联系人
func (q *query) isStarvationTermination() bool {
	return q.queryPeers.NumHeard() == 0 && q.queryPeers.NumWaiting() == 0
}

// terminate 终止查找
// 参数:
//   - ctx: context.Context 上下文
//   - cancel: context.CancelFunc 取消函数
//   - reason: LookupTerminationReason 终止原因
func (q *query) terminate(ctx context.Context, cancel context.CancelFunc, reason LookupTerminationReason) {
	ctx, span := internal.StartSpan(ctx, "Query.Terminate", trace.WithAttributes(attribute.Stringer("Reason", reason)))
	defer span.End()

	if q.terminated {
		return
	}

	PublishLookupEvent(ctx,
		NewLookupEvent(
			q.dht.self.ID,
			q.id,
			q.kind,
			q.key,
			nil,
			nil,
			NewLookupTerminateEvent(reason),
		),
	)
	cancel() // 中止未完成的查询
	q.terminated = true
}

// queryPeer 查询单个联系人并在通道上报告结果
// queryPeer不访问queryPeers中的查询状态
// 参数:
//   - ctx: context.Context 上下文
//   - ch: chan<- *queryUpdate 查询更新通道
//   - c: kb.Contact 要查询的联系人
func (q *query) queryPeer(ctx context.Context, ch chan<- *queryUpdate, c kb.Contact) {
	defer q.waitGroup.Done()

	ctx, span := internal.StartSpan(ctx, "QueryPeer", trace.WithAttributes(attribute.String("Contact", c.ID.ShortString())))
	defer span.End()

	startQuery := q.dht.clk.Now()
	newContacts, err := q.queryFn(ctx, c)
	if err != nil {
		// 发送失败说明联系人已经离开,超时则留给刷新管理器处理
		if ctx.Err() == nil && errors.Is(err, ErrUnreachable) {
			q.dht.routingTable.Remove(c.ID)
		}
		logger.Debugw("查询联系人失败", "contact", c.ID.ShortString(), "error", err)
		ch <- &queryUpdate{cause: c.ID, unreachable: []kb.Contact{c}}
		return
	}

	saw := make([]kb.Contact, 0, len(newContacts))
	for _, next := range newContacts {
		if next.ID == q.dht.self.ID { // 不添加自己
			continue
		}
		saw = append(saw, next)
	}

	ch <- &queryUpdate{cause: c.ID, heard: saw, queried: []kb.Contact{c}, queryDuration: q.dht.clk.Since(startQuery)}
}

// updateState 更新查找状态
// 参数:
//   - ctx: context.Context 上下文
//   - up: *queryUpdate 查询更新信息
func (q *query) updateState(ctx context.Context, up *queryUpdate) {
	if q.terminated {
		panic("update should not be invoked after the logical lookup termination")
	}
	PublishLookupEvent(ctx,
		NewLookupEvent(
			q.dht.self.ID,
			q.id,
			q.kind,
			q.key,
			nil,
			NewLookupUpdateEvent(
				up.cause,
				up.cause,
				up.heard,       // heard
				nil,            // waiting
				up.queried,     // queried
				up.unreachable, // unreachable
			),
			nil,
		),
	)
	for _, c := range up.heard {
		if c.ID == q.dht.self.ID { // 不添加自己
			continue
		}
		q.queryPeers.TryAdd(c, up.cause)
	}
	for _, c := range up.queried {
		if st := q.queryPeers.GetState(c.ID); st == qpeerset.PeerWaiting {
			q.queryPeers.SetState(c.ID, qpeerset.PeerQueried)
		} else {
			panic(fmt.Errorf("kademlia protocol error: tried to transition to the queried state from state %v", st))
		}
	}
	for _, c := range up.unreachable {
		if st := q.queryPeers.GetState(c.ID); st == qpeerset.PeerWaiting {
			q.queryPeers.SetState(c.ID, qpeerset.PeerUnreachable)
		} else {
			panic(fmt.Errorf("kademlia protocol error: tried to transition to the unreachable state from state %v", st))
		}
	}
}
