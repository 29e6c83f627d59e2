package crawler

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	kb "github.com/dep2p/kadnode/kbucket"
)

var (
	// DHT爬虫的日志记录器
	logger = logging.Logger("dht/crawler")

	_ Crawler = (*DefaultCrawler)(nil)
)

type (
	// Crawler 遍历DHT中的节点并收集各节点路由表中的联系人
	Crawler interface {
		// Run 从startingContacts开始爬取DHT,根据是否成功询问到节点调用handleSuccess或handleFail
		// 参数:
		//   - ctx: context.Context 上下文
		//   - startingContacts: []kb.Contact 起始联系人列表
		//   - handleSuccess: HandleQueryResult 查询成功的回调函数
		//   - handleFail: HandleQueryFail 查询失败的回调函数
		Run(ctx context.Context, startingContacts []kb.Contact, handleSuccess HandleQueryResult, handleFail HandleQueryFail)
	}

	// Querier 向单个联系人发送FIND_NODE
	// *dht.KadDHT 实现了此接口
	Querier interface {
		FindNode(ctx context.Context, to kb.Contact, target kb.ID) ([]kb.Contact, error)
	}

	// DefaultCrawler 提供Crawler接口的默认实现
	DefaultCrawler struct {
		parallelism  int           // 并行度
		queryTimeout time.Duration // 单个节点的查询时限
		maxCpl       uint          // 每个节点探测的最大公共前缀长度
		querier      Querier       // FIND_NODE 发送方
	}
)

// NewDefaultCrawler 创建一个新的DefaultCrawler
// 参数:
//   - q: Querier FIND_NODE 发送方
//   - opts: ...Option 配置选项
//
// 返回值:
//   - *DefaultCrawler 爬虫实例
//   - error 错误信息
func NewDefaultCrawler(q Querier, opts ...Option) (*DefaultCrawler, error) {
	o := new(options)
	if err := defaults(o); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	return &DefaultCrawler{
		parallelism:  o.parallelism,
		queryTimeout: time.Duration(o.maxCpl+1) * o.perMsgTimeout,
		maxCpl:       o.maxCpl,
		querier:      q,
	}, nil
}

// HandleQueryResult 查询节点成功时的回调函数类型
type HandleQueryResult func(c kb.Contact, rtContacts []kb.Contact)

// HandleQueryFail 查询节点失败时的回调函数类型
type HandleQueryFail func(c kb.Contact, err error)

// Run 从初始种子startingContacts开始爬取DHT节点
// 参数:
//   - ctx: context.Context 上下文
//   - startingContacts: []kb.Contact 起始联系人列表
//   - handleSuccess: HandleQueryResult 查询成功的回调函数
//   - handleFail: HandleQueryFail 查询失败的回调函数
func (c *DefaultCrawler) Run(ctx context.Context, startingContacts []kb.Contact, handleSuccess HandleQueryResult, handleFail HandleQueryFail) {
	jobs := make(chan kb.Contact, 1)
	results := make(chan *queryResult, 1)

	// 启动工作协程
	var wg sync.WaitGroup
	wg.Add(c.parallelism)
	for i := 0; i < c.parallelism; i++ {
		go func() {
			defer wg.Done()
			for ct := range jobs {
				qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
				res := c.queryContact(qctx, ct)
				cancel() // 不要延迟,每个任务后清理
				results <- res
			}
		}()
	}

	defer wg.Wait()
	defer close(jobs)

	var toDial []kb.Contact
	seen := make(map[kb.ID]struct{})

	numSkipped := 0
	for _, ct := range startingContacts {
		if ct.Addr == nil {
			numSkipped++
			continue
		}
		if _, ok := seen[ct.ID]; ok {
			continue
		}
		toDial = append(toDial, ct)
		seen[ct.ID] = struct{}{}
	}

	if numSkipped > 0 {
		logger.Infof("由于缺少地址跳过了%d个起始节点。开始爬取%d个节点", numSkipped, len(toDial))
	}

	numQueried := 0
	outstanding := 0

	for len(toDial) > 0 || outstanding > 0 {
		var jobCh chan kb.Contact
		var next kb.Contact
		if len(toDial) > 0 {
			jobCh = jobs
			next = toDial[0]
		}

		select {
		case res := <-results:
			if res.err == nil {
				logger.Debugf("节点%s有%d个联系人", res.contact.ID.ShortString(), len(res.data))
				rtContacts := make([]kb.Contact, 0, len(res.data))
				for id, ct := range res.data {
					if _, ok := seen[id]; !ok {
						seen[id] = struct{}{}
						toDial = append(toDial, ct)
					}
					rtContacts = append(rtContacts, ct)
				}
				if handleSuccess != nil {
					handleSuccess(res.contact, rtContacts)
				}
			} else if handleFail != nil {
				handleFail(res.contact, res.err)
			}
			outstanding--
		case jobCh <- next:
			outstanding++
			numQueried++
			toDial = toDial[1:]
			logger.Debugf("开始第%d个,共%d个", numQueried, len(seen))
		}
	}
}

// queryResult 查询结果
type queryResult struct {
	contact kb.Contact           // 被询问的联系人
	data    map[kb.ID]kb.Contact // 查询到的联系人
	err     error                // 错误信息
}

// queryContact 对每个公共前缀长度询问一个随机目标,拼出节点路由表的大致内容
// 参数:
//   - ctx: context.Context 上下文
//   - ct: kb.Contact 要查询的联系人
//
// 返回值:
//   - *queryResult 查询结果
func (c *DefaultCrawler) queryContact(ctx context.Context, ct kb.Contact) *queryResult {
	found := make(map[kb.ID]kb.Contact)
	for cpl := uint(0); cpl <= c.maxCpl; cpl++ {
		target, err := kb.GenRandIDWithCpl(ct.ID, cpl)
		if err != nil {
			return &queryResult{ct, nil, err}
		}
		contacts, err := c.querier.FindNode(ctx, ct, target)
		if err != nil {
			logger.Debugf("在节点%s上查找CPL %d的数据时出错: %v", ct.ID.ShortString(), cpl, err)
			return &queryResult{ct, nil, err}
		}
		for _, rc := range contacts {
			if rc.Addr == nil {
				continue
			}
			if _, ok := found[rc.ID]; !ok {
				found[rc.ID] = rc
			}
		}
	}
	return &queryResult{ct, found, nil}
}
