package dht

import (
	"context"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/kadnode/internal"
)

// minRTRefreshThreshold 是路由表中的最小联系人数。如果我们低于此值,将触发引导轮次
var minRTRefreshThreshold = 10

const (
	// periodicBootstrapInterval 定期引导间隔时间
	periodicBootstrapInterval = 2 * time.Minute
	// maxNBoostrappers 最大引导节点数
	maxNBoostrappers = 2

	// 同时ping的种子数
	bootstrapPingConcurrency = 8

	// BootstrapUntil 两轮之间的退避时间
	minBootstrapBackoff = 100 * time.Millisecond
	maxBootstrapBackoff = 5 * time.Second
)

// Bootstrap 通过种子节点加入网络
// 先ping所有种子,任一种子响应后对本地ID执行节点查找来填充路由表
//
// 参数:
//   - ctx: context.Context 上下文
//   - seeds: ...ma.Multiaddr 种子节点地址
//
// 返回值:
//   - error 没有种子响应时返回错误
func (dht *KadDHT) Bootstrap(ctx context.Context, seeds ...ma.Multiaddr) (err error) {
	ctx, span := internal.StartSpan(ctx, "Bootstrap")
	defer span.End()

	if len(seeds) > 0 {
		var (
			g    errgroup.Group
			errs = make([]error, len(seeds))
		)
		g.SetLimit(bootstrapPingConcurrency)
		for i, addr := range seeds {
			i, addr := i, addr
			g.Go(func() error {
				c, err := dht.PingAddr(ctx, addr)
				if err != nil {
					errs[i] = fmt.Errorf("ping %s: %w", addr, err)
					return nil
				}
				logger.Debugw("种子已响应", "addr", addr, "id", c.ID.ShortString())
				return nil
			})
		}
		_ = g.Wait()

		if failed := multierr.Combine(errs...); len(multierr.Errors(failed)) == len(seeds) {
			return opError("Bootstrap", failed)
		} else if failed != nil {
			logger.Debugw("部分种子没有响应", "error", failed)
		}
	}

	if dht.routingTable.Size() == 0 {
		return opError("Bootstrap", ErrUnreachable)
	}

	// 查找自己以发现附近的节点
	if _, err := dht.GetClosestContacts(ctx, dht.self.ID); err != nil {
		return opError("Bootstrap", err)
	}

	if dht.autoRefresh {
		dht.rtRefreshManager.RefreshNoWait()
	}
	return nil
}

// BootstrapUntil 重复引导直到路由表中至少有minNodes个联系人
// 时限为BootstrapTimeout,ctx的截止时间更早时以ctx为准
//
// 参数:
//   - ctx: context.Context 上下文
//   - seed: ma.Multiaddr 种子节点地址
//   - minNodes: int 需要的最少联系人数
//
// 返回值:
//   - error 到达时限仍不足时返回ErrTimeout
func (dht *KadDHT) BootstrapUntil(ctx context.Context, seed ma.Multiaddr, minNodes int) error {
	ctx, cancel := dht.clk.WithTimeout(ctx, dht.bootstrapTimeout)
	defer cancel()

	backoff := minBootstrapBackoff
	for round := 1; ; round++ {
		err := dht.Bootstrap(ctx, seed)
		size := dht.routingTable.Size()
		if size >= minNodes {
			logger.Infow("引导完成", "contacts", size, "rounds", round)
			return nil
		}
		logger.Debugw("引导轮次结束,联系人不足", "round", round, "contacts", size, "want", minNodes, "error", err)

		t := dht.clk.Timer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return opError("BootstrapUntil", fmt.Errorf("%w: 仅找到 %d/%d 个联系人", ErrTimeout, size, minNodes))
		}
		if backoff *= 2; backoff > maxBootstrapBackoff {
			backoff = maxBootstrapBackoff
		}
	}
}

// RefreshRoutingTable 告诉 DHT 刷新其路由表
//
// 返回的通道将阻塞直到刷新完成,然后产生错误并关闭。该通道是带缓冲的,可以安全地忽略
// 返回值:
//   - <-chan error 错误通道
func (dht *KadDHT) RefreshRoutingTable() <-chan error {
	return dht.rtRefreshManager.Refresh(false)
}

// ForceRefresh 类似于 RefreshRoutingTable,但强制 DHT 刷新路由表中的所有桶,而不考虑它们上次刷新的时间
//
// 返回的通道将阻塞直到刷新完成,然后产生错误并关闭。该通道是带缓冲的,可以安全地忽略
// 返回值:
//   - <-chan error 错误通道
func (dht *KadDHT) ForceRefresh() <-chan error {
	return dht.rtRefreshManager.Refresh(true)
}
