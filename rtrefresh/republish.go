package rtrefresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	ds "github.com/ipfs/go-datastore"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/dep2p/kadnode/broker"
	"github.com/dep2p/kadnode/internal"
	"github.com/dep2p/kadnode/storage"
)

// maxConcurrentRepublish 同时重新发布的条目数上限
const maxConcurrentRepublish = 16

// RepublishFunc 把条目按剩余的生存时间重新存储到网络上
type RepublishFunc func(ctx context.Context, e storage.Entry) error

// Republisher 周期性地清理过期条目和接收记录,并重新发布快要过期的条目
type Republisher struct {
	ctx      context.Context
	cancel   context.CancelFunc
	refcount sync.WaitGroup

	store  *storage.Store
	broker *broker.Broker
	clk    clock.Clock

	interval    time.Duration
	threshold   time.Duration
	republishFn RepublishFunc

	sem *semaphore.Weighted
}

// NewRepublisher 创建重新发布器
// 参数:
//   - store: *storage.Store 本地存储
//   - b: *broker.Broker 接收代理,每轮回收过期的接收记录
//   - clk: clock.Clock 时钟
//   - interval: time.Duration 检查间隔
//   - threshold: time.Duration 剩余生存时间低于此值的条目被重新发布
//   - fn: RepublishFunc 重新发布函数
//
// 返回值:
//   - *Republisher 重新发布器
func NewRepublisher(store *storage.Store, b *broker.Broker, clk clock.Clock,
	interval, threshold time.Duration, fn RepublishFunc) *Republisher {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Republisher{
		ctx:         ctx,
		cancel:      cancel,
		store:       store,
		broker:      b,
		clk:         clk,
		interval:    interval,
		threshold:   threshold,
		republishFn: fn,
		sem:         semaphore.NewWeighted(maxConcurrentRepublish),
	}
}

// Start 启动后台循环
func (r *Republisher) Start() {
	r.refcount.Add(1)
	go r.loop()
}

// Close 停止后台循环并等待正在进行的重新发布结束
func (r *Republisher) Close() error {
	r.cancel()
	r.refcount.Wait()
	return nil
}

func (r *Republisher) loop() {
	defer r.refcount.Done()

	t := r.clk.Ticker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
		case <-r.ctx.Done():
			return
		}
		if err := r.RepublishNow(r.ctx); err != nil {
			logger.Warnw("重新发布失败", "error", err)
		}
	}
}

// RepublishNow 立即执行一轮维护
// 先清理过期条目和接收记录,再并发重新发布剩余生存时间低于阈值的非缓存条目
//
// 参数:
//   - ctx: context.Context 上下文
//
// 返回值:
//   - error 各条目失败的汇总
func (r *Republisher) RepublishNow(ctx context.Context) error {
	ctx, span := internal.StartSpan(ctx, "Republisher.RepublishNow")
	defer span.End()

	var merr error

	removed, err := r.store.ClearExpired(ctx)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	swept := 0
	if r.broker != nil {
		swept = r.broker.Sweep()
	}
	if removed > 0 || swept > 0 {
		logger.Debugw("清理完成", "entries", removed, "receptions", swept)
	}

	due, err := r.store.RepublishDue(ctx, r.threshold)
	if err != nil {
		return multierror.Append(merr, err)
	}
	span.SetAttributes(attribute.Int("Due", len(due)), attribute.Int("Expired", removed))
	if len(due) == 0 {
		return merr
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, e := range due {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			merr = multierror.Append(merr, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(e storage.Entry) {
			defer wg.Done()
			defer r.sem.Release(1)

			err := r.republishFn(ctx, e)
			if err == nil {
				err = r.store.MarkRepublished(ctx, e.Key, e.Payload)
				if errors.Is(err, ds.ErrNotFound) {
					// 条目在重新发布期间过期
					err = nil
				}
			}
			if err != nil {
				logger.Debugw("重新发布条目失败", "key", internal.LoggableKey(e.Key.Bytes()), "error", err)
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	logger.Debugw("重新发布完成", "entries", len(due))
	return merr
}
