package kbucket

import (
	"container/list"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// Contact 路由表中的一个联系人
type Contact struct {
	// ID 联系人的标识符
	ID ID
	// Addr 联系人的网络地址
	Addr ma.Multiaddr
	// LastSeen 最近一次收到该联系人有效RPC的时间
	LastSeen time.Time
	// AddedAt 联系人被加入路由表的时间
	AddedAt time.Time
}

// conflict 记录一次防御性插入引起的冲突
// 被驱逐的联系人在宽限期内回应ping即可夺回位置
type conflict struct {
	evicted  Contact // 被挤到待定槽的老联系人
	inserted ID      // 暂时占据位置的新联系人
}

// bucket 保存公共前缀长度相同的联系人
// 链表头部是最近见过的联系人,尾部是最久未见的联系人
type bucket struct {
	mu      sync.Mutex
	list    *list.List
	pending *conflict
}

// newBucket 创建新的桶
func newBucket() *bucket {
	b := new(bucket)
	b.list = list.New()
	return b
}

// contacts 返回桶内所有联系人的副本
// 调用方必须持有b.mu
func (b *bucket) contacts() []Contact {
	cs := make([]Contact, 0, b.len())
	for e := b.list.Front(); e != nil; e = e.Next() {
		cs = append(cs, *e.Value.(*Contact))
	}
	return cs
}

// element 查找联系人所在的链表元素
// 参数:
//   - id: ID 联系人标识符
//
// 返回值:
//   - *list.Element 元素,未找到返回nil
func (b *bucket) element(id ID) *list.Element {
	for e := b.list.Front(); e != nil; e = e.Next() {
		if e.Value.(*Contact).ID == id {
			return e
		}
	}
	return nil
}

// getContact 返回指定联系人
func (b *bucket) getContact(id ID) *Contact {
	if e := b.element(id); e != nil {
		return e.Value.(*Contact)
	}
	return nil
}

// pushFront 将联系人放到最近见过的位置
func (b *bucket) pushFront(c *Contact) {
	b.list.PushFront(c)
}

// leastRecentlySeen 返回最久未见的联系人元素
func (b *bucket) leastRecentlySeen() *list.Element {
	return b.list.Back()
}

// len 返回桶中联系人数量(不含待定槽)
func (b *bucket) len() int {
	return b.list.Len()
}
