// Package main 提供kadnode命令行节点
//
// 使用方法:
//
//	kadnode -listen /ip4/0.0.0.0/tcp/4001 -announce /ip4/1.2.3.4/tcp/4001 run
//	kadnode -bootstrap /ip4/1.2.3.4/tcp/4001 store hello world
//	kadnode -bootstrap /ip4/1.2.3.4/tcp/4001 retrieve hello
//	kadnode -bootstrap /ip4/1.2.3.4/tcp/4001 ping <id>
//	kadnode -bootstrap /ip4/1.2.3.4/tcp/4001 crawl
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"

	dht "github.com/dep2p/kadnode"
	"github.com/dep2p/kadnode/crawler"
	kb "github.com/dep2p/kadnode/kbucket"
)

const usage = `用法: kadnode [选项] <命令> [参数]

命令:
  run                    运行节点直到收到中断信号
  store <key> <value>    存储条目
  retrieve <key>         检索键下的所有条目
  ping <id>              ping指定标识符的节点
  crawl                  从种子出发遍历网络并统计可达节点

选项:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ 错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	listen := flag.String("listen", "/ip4/127.0.0.1/tcp/0", "监听地址")
	announce := flag.String("announce", "", "告知其他节点的地址,监听在0.0.0.0上时需要设置")
	bootstrap := flag.String("bootstrap", "", "逗号分隔的种子节点地址")
	minNodes := flag.Int("min-nodes", 0, "引导直到路由表中至少有这么多联系人")
	logLevel := flag.String("log-level", "error", "日志级别")
	k := flag.Int("k", 0, "桶大小,0表示默认值")
	alpha := flag.Int("alpha", 0, "查找并发数,0表示默认值")
	timeout := flag.Duration("timeout", time.Minute, "单个命令的时限")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"run"}
	}

	if err := logging.SetLogLevelRegex("dht.*", *logLevel); err != nil {
		return fmt.Errorf("无效的日志级别: %w", err)
	}

	opts, seeds, err := buildOptions(*listen, *announce, *bootstrap, *k, *alpha)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		fmt.Printf("\n收到信号 %v,正在关闭...\n", sig)
		cancel()
	}()

	node, err := dht.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("启动节点失败: %w", err)
	}
	defer func() { _ = node.Close() }()

	if err := join(ctx, node, seeds, *minNodes); err != nil {
		return err
	}

	if args[0] == "run" {
		printNodeInfo(node)
		<-ctx.Done()
		return nil
	}

	cctx, ccancel := context.WithTimeout(ctx, *timeout)
	defer ccancel()
	return runCommand(cctx, node, args)
}

// buildOptions 根据命令行参数构造节点选项
func buildOptions(listen, announce, bootstrap string, k, alpha int) ([]dht.Option, []ma.Multiaddr, error) {
	laddr, err := ma.NewMultiaddr(listen)
	if err != nil {
		return nil, nil, fmt.Errorf("无效的监听地址: %w", err)
	}
	opts := []dht.Option{dht.ListenAddr(laddr)}

	if announce != "" {
		aaddr, err := ma.NewMultiaddr(announce)
		if err != nil {
			return nil, nil, fmt.Errorf("无效的对外地址: %w", err)
		}
		opts = append(opts, dht.AnnounceAddr(aaddr))
	}
	if k > 0 {
		opts = append(opts, dht.BucketSize(k))
	}
	if alpha > 0 {
		opts = append(opts, dht.Concurrency(alpha))
	}

	var seeds []ma.Multiaddr
	for _, s := range strings.Split(bootstrap, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, nil, fmt.Errorf("无效的种子地址 %q: %w", s, err)
		}
		seeds = append(seeds, addr)
	}
	return opts, seeds, nil
}

// join 通过种子加入网络
func join(ctx context.Context, node *dht.KadDHT, seeds []ma.Multiaddr, minNodes int) error {
	if len(seeds) == 0 {
		return nil
	}
	if minNodes > 0 {
		if err := node.BootstrapUntil(ctx, seeds[0], minNodes); err != nil {
			return fmt.Errorf("引导失败: %w", err)
		}
		return nil
	}
	if err := node.Bootstrap(ctx, seeds...); err != nil {
		return fmt.Errorf("引导失败: %w", err)
	}
	return nil
}

// runCommand 执行单个命令
func runCommand(ctx context.Context, node *dht.KadDHT, args []string) error {
	switch args[0] {
	case "store":
		if len(args) != 3 {
			return errors.New("用法: store <key> <value>")
		}
		err := node.Store(ctx, kb.ConvertKey(args[1]), []byte(args[2]))
		var pre *dht.PartialReplicationError
		if errors.As(err, &pre) {
			fmt.Printf("⚠️  只有 %d/%d 个节点确认(需要 %d)\n", pre.Acks, pre.Targets, pre.Quorum)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("✅ 已存储")

	case "retrieve":
		if len(args) != 2 {
			return errors.New("用法: retrieve <key>")
		}
		entries, err := node.Retrieve(ctx, kb.ConvertKey(args[1]))
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t(剩余 %s)\n", e.Payload, e.Remaining(time.Now()).Truncate(time.Second))
		}

	case "ping":
		if len(args) != 2 {
			return errors.New("用法: ping <id>")
		}
		id, err := kb.ParseID(args[1])
		if err != nil {
			return fmt.Errorf("无效的标识符: %w", err)
		}
		start := time.Now()
		if err := node.Ping(ctx, id); err != nil {
			return err
		}
		fmt.Printf("✅ %s 响应,耗时 %s\n", id.ShortString(), time.Since(start))

	case "crawl":
		return crawl(ctx, node)

	default:
		flag.Usage()
		return fmt.Errorf("未知命令: %s", args[0])
	}
	return nil
}

// crawl 从路由表中的联系人出发遍历网络
func crawl(ctx context.Context, node *dht.KadDHT) error {
	c, err := crawler.NewDefaultCrawler(node, crawler.WithMsgTimeout(node.NetworkTimeout()))
	if err != nil {
		return err
	}

	// 回调只在Run的主循环中调用
	ok, failed := 0, 0
	c.Run(ctx, node.RoutingTable().ListContacts(),
		func(ct kb.Contact, rt []kb.Contact) {
			ok++
			fmt.Printf("%s\t%s\t%d 个联系人\n", ct.ID, ct.Addr, len(rt))
		},
		func(ct kb.Contact, err error) {
			failed++
			fmt.Printf("%s\t%s\t❌ %v\n", ct.ID, ct.Addr, err)
		},
	)
	fmt.Printf("\n可达节点: %d, 无响应: %d\n", ok, failed)
	return nil
}

// printNodeInfo 打印节点信息
func printNodeInfo(node *dht.KadDHT) {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║                  kadnode 节点信息                     ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Printf("节点 ID:   %s\n", node.ID())
	fmt.Printf("地址:      %s\n", node.Addr())
	fmt.Printf("联系人数:  %d\n", node.RoutingTable().Size())
	fmt.Printf("状态:      %s\n", node.Mode())
	fmt.Println()
	fmt.Println("按 Ctrl+C 停止节点")
}
