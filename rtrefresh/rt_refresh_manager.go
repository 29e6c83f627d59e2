package rtrefresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/kadnode/internal"
	kb "github.com/dep2p/kadnode/kbucket"
)

var logger = logging.Logger("dht/RtRefreshManager")

const (
	peerPingTimeout = 10 * time.Second
	// maxConcurrentPings 同时进行的存活检查数上限
	maxConcurrentPings = 16
)

// Config 刷新管理器的参数
type Config struct {
	// AutoRefresh 是否按Interval周期性刷新
	AutoRefresh bool
	// KeyForCpl 生成与本地标识符有指定公共前缀长度的查询键
	KeyForCpl func(cpl uint) (kb.ID, error)
	// Query 对键执行一次节点查找
	Query func(ctx context.Context, key kb.ID) error
	// Ping 检查联系人是否存活
	Ping func(ctx context.Context, c kb.Contact) error
	// QueryTimeout 单次刷新查找的时限,超时不算失败
	QueryTimeout time.Duration
	// Interval 两次刷新之间的间隔,非强制刷新跳过在此间隔内查询过的桶
	Interval time.Duration
	// StaleThreshold 超过此时间未见的联系人在刷新前被ping
	StaleThreshold time.Duration
}

// refreshReq 一次刷新请求,respCh为nil时调用方不等待结果
type refreshReq struct {
	respCh chan error
	force  bool
}

// RtRefreshManager 联系表刷新管理器
// 每次刷新先驱逐不回应ping的陈旧联系人,然后查找自身,再对久未查询的桶做随机查找
type RtRefreshManager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	refcount sync.WaitGroup

	localID kb.ID
	rt      *kb.ContactTable
	clk     clock.Clock
	cfg     Config

	requests chan *refreshReq
}

// NewRtRefreshManager 创建刷新管理器
// 参数:
//   - rt: *kb.ContactTable 联系人表
//   - clk: clock.Clock 时钟,为nil时使用系统时钟
//   - cfg: Config 刷新参数
//
// 返回值:
//   - *RtRefreshManager 刷新管理器
//   - error 参数无效时返回错误
func NewRtRefreshManager(rt *kb.ContactTable, clk clock.Clock, cfg Config) (*RtRefreshManager, error) {
	if rt == nil {
		return nil, errors.New("路由表不能为空")
	}
	if cfg.KeyForCpl == nil || cfg.Query == nil || cfg.Ping == nil {
		return nil, errors.New("刷新函数不能为空")
	}
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RtRefreshManager{
		ctx:      ctx,
		cancel:   cancel,
		localID:  rt.Local(),
		rt:       rt,
		clk:      clk,
		cfg:      cfg,
		requests: make(chan *refreshReq),
	}, nil
}

// Start 启动刷新循环
func (r *RtRefreshManager) Start() {
	r.refcount.Add(1)
	go r.loop()
}

// Close 停止刷新循环并等待进行中的刷新结束
func (r *RtRefreshManager) Close() error {
	r.cancel()
	r.refcount.Wait()
	return nil
}

// Refresh 请求一次刷新
// force为true时刷新所有桶,不考虑上次查询的时间
// 返回的通道带缓冲,刷新完成后收到结果并关闭,可以忽略
func (r *RtRefreshManager) Refresh(force bool) <-chan error {
	resp := make(chan error, 1)
	r.refcount.Add(1)
	go func() {
		defer r.refcount.Done()
		select {
		case r.requests <- &refreshReq{respCh: resp, force: force}:
		case <-r.ctx.Done():
			resp <- r.ctx.Err()
			close(resp)
		}
	}()
	return resp
}

// RefreshNoWait 在刷新循环空闲时请求一次刷新,否则直接返回
func (r *RtRefreshManager) RefreshNoWait() {
	select {
	case r.requests <- &refreshReq{}:
	default:
	}
}

// evictStale ping所有超过StaleThreshold未见的联系人,移除没有回应的
func (r *RtRefreshManager) evictStale(ctx context.Context) {
	ctx, span := internal.StartSpan(ctx, "RefreshManager.EvictStale")
	defer span.End()

	var (
		checked int
		alive   atomic.Int64
		g       errgroup.Group
	)
	g.SetLimit(maxConcurrentPings)

	contacts := r.rt.ListContacts()
	for _, c := range contacts {
		if r.clk.Since(c.LastSeen) <= r.cfg.StaleThreshold {
			continue
		}
		checked++
		c := c
		g.Go(func() error {
			pctx, cancel := r.clk.WithTimeout(ctx, peerPingTimeout)
			defer cancel()
			pctx, span := internal.StartSpan(pctx, "RefreshManager.EvictStale.ping",
				trace.WithAttributes(attribute.String("contact", c.ID.ShortString())))
			defer span.End()

			if err := r.cfg.Ping(pctx, c); err != nil {
				logger.Debugw("联系人没有回应,移除", "contact", c.ID.ShortString(), "error", err)
				span.RecordError(err)
				r.rt.Remove(c.ID)
				return nil
			}
			alive.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("Checked", checked),
		attribute.Int("Skipped", len(contacts)-checked),
		attribute.Int64("Alive", alive.Load()),
	)
}

// collect 取走所有同时在等待的刷新请求
func (r *RtRefreshManager) collect(first *refreshReq) (waiting []chan error, force bool) {
	add := func(req *refreshReq) {
		if req.respCh != nil {
			waiting = append(waiting, req.respCh)
		}
		force = force || req.force
	}
	if first != nil {
		add(first)
	}
	for {
		select {
		case req := <-r.requests:
			add(req)
		default:
			return waiting, force
		}
	}
}

func (r *RtRefreshManager) loop() {
	defer r.refcount.Done()

	var tick <-chan time.Time
	if r.cfg.AutoRefresh {
		if err := r.refresh(r.ctx, true); err != nil {
			logger.Warnw("刷新路由表失败", "error", err)
		}
		t := r.clk.Ticker(r.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		var first *refreshReq
		select {
		case <-tick:
		case first = <-r.requests:
		case <-r.ctx.Done():
			return
		}
		waiting, force := r.collect(first)

		ctx, span := internal.StartSpan(r.ctx, "RefreshManager.Refresh")
		r.evictStale(ctx)
		err := r.refresh(ctx, force)
		for _, w := range waiting {
			w <- err
			close(w)
		}
		if err != nil {
			logger.Warnw("刷新路由表失败", "error", err)
		}
		span.End()
	}
}

// refresh 查找自身,然后刷新到期的桶
// 某个桶刷新后仍然为空时,只再往后刷新到 2*(cpl+1),更深的桶在网络中大概率没有节点
func (r *RtRefreshManager) refresh(ctx context.Context, force bool) error {
	ctx, span := internal.StartSpan(ctx, "RefreshManager.refresh")
	defer span.End()

	var merr error
	if err := r.lookup(ctx, r.localID); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("查询自身失败: %w", err))
	}

	refreshedAt := r.rt.GetTrackedCplsForRefresh()
	last := len(refreshedAt) - 1
	for cpl := 0; cpl <= last; cpl++ {
		if !force && r.clk.Since(refreshedAt[cpl]) <= r.cfg.Interval {
			continue
		}
		if err := r.refreshCpl(ctx, uint(cpl)); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if r.rt.NContactsForCpl(uint(cpl)) == 0 {
			last = min(2*(cpl+1), last)
		}
	}
	return merr
}

// refreshCpl 查找一个与本地标识符有cpl位公共前缀的随机键
func (r *RtRefreshManager) refreshCpl(ctx context.Context, cpl uint) error {
	ctx, span := internal.StartSpan(ctx, "RefreshManager.refreshCpl", trace.WithAttributes(attribute.Int("cpl", int(cpl))))
	defer span.End()

	key, err := r.cfg.KeyForCpl(cpl)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("为cpl=%d生成查询键失败: %w", cpl, err)
	}

	before := r.rt.Size()
	if err := r.lookup(ctx, key); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("刷新cpl=%d失败: %w", cpl, err)
	}
	after := r.rt.Size()
	logger.Debugw("桶已刷新", "cpl", cpl, "key", internal.LoggableKey(key.Bytes()), "before", before, "after", after)
	span.SetAttributes(attribute.Int("NewSize", after))
	return nil
}

// lookup 在QueryTimeout内执行一次查找,查找本身超时不算失败
func (r *RtRefreshManager) lookup(ctx context.Context, key kb.ID) error {
	qctx, cancel := r.clk.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	err := r.cfg.Query(qctx, key)
	if err == nil || (errors.Is(err, context.DeadlineExceeded) && errors.Is(qctx.Err(), context.DeadlineExceeded)) {
		return nil
	}
	return err
}
