package qpeerset

import (
	"bytes"
	"sort"

	kb "github.com/dep2p/kadnode/kbucket"
)

// PeerState 描述在单个查找生命周期中联系人的状态
type PeerState int

const (
	// PeerHeard 表示尚未查询的联系人
	PeerHeard PeerState = iota
	// PeerWaiting 表示当前正在查询的联系人
	PeerWaiting
	// PeerQueried 表示已查询且成功获得响应的联系人
	PeerQueried
	// PeerUnreachable 表示已查询但未成功获得响应的联系人
	PeerUnreachable
)

func (s PeerState) String() string {
	switch s {
	case PeerHeard:
		return "heard"
	case PeerWaiting:
		return "waiting"
	case PeerQueried:
		return "queried"
	case PeerUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// QueryPeerset 维护Kademlia异步查找的状态
// 查找状态是一组联系人,每个联系人都标有状态
// QueryPeerset不是并发安全的,只能由查找的主循环访问
type QueryPeerset struct {
	// 正在搜索的目标
	target kb.ID

	// 所有已知的联系人
	all   []queryPeerState
	index map[kb.ID]int

	// sorted 表示all是否当前已排序
	sorted bool
}

type queryPeerState struct {
	contact    kb.Contact
	distance   kb.ID
	state      PeerState
	referredBy kb.ID
}

type sortedQueryPeerset QueryPeerset

func (sqp *sortedQueryPeerset) Len() int {
	return len(sqp.all)
}

func (sqp *sortedQueryPeerset) Swap(i, j int) {
	sqp.all[i], sqp.all[j] = sqp.all[j], sqp.all[i]
	sqp.index[sqp.all[i].contact.ID] = i
	sqp.index[sqp.all[j].contact.ID] = j
}

// Less 按到目标的距离升序,距离相同时按标识符升序
func (sqp *sortedQueryPeerset) Less(i, j int) bool {
	if c := bytes.Compare(sqp.all[i].distance[:], sqp.all[j].distance[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(sqp.all[i].contact.ID[:], sqp.all[j].contact.ID[:]) < 0
}

// NewQueryPeerset 创建一个新的空联系人集合
// 参数:
//   - target: kb.ID 查找的目标
//
// 返回值:
//   - *QueryPeerset 查询联系人集合
func NewQueryPeerset(target kb.ID) *QueryPeerset {
	return &QueryPeerset{
		target: target,
		index:  make(map[kb.ID]int),
	}
}

func (qp *QueryPeerset) find(id kb.ID) int {
	if i, ok := qp.index[id]; ok {
		return i
	}
	return -1
}

// TryAdd 将联系人c添加到集合中
// 如果联系人已存在,则不执行任何操作
// 否则,将联系人添加并将状态设置为PeerHeard
// 参数:
//   - c: kb.Contact 要添加的联系人
//   - referredBy: kb.ID 推荐该联系人的节点
//
// 返回值:
//   - bool 如果联系人不存在则返回true
func (qp *QueryPeerset) TryAdd(c kb.Contact, referredBy kb.ID) bool {
	if qp.find(c.ID) >= 0 {
		return false
	}
	qp.index[c.ID] = len(qp.all)
	qp.all = append(qp.all, queryPeerState{
		contact:    c,
		distance:   c.ID.Xor(qp.target),
		state:      PeerHeard,
		referredBy: referredBy,
	})
	qp.sorted = false
	return true
}

func (qp *QueryPeerset) sort() {
	if qp.sorted {
		return
	}
	sort.Sort((*sortedQueryPeerset)(qp))
	qp.sorted = true
}

// SetState 设置联系人id的状态为s
// 如果id不在集合中,SetState会panic
func (qp *QueryPeerset) SetState(id kb.ID, s PeerState) {
	qp.all[qp.find(id)].state = s
}

// GetState 返回联系人id的状态
// 如果id不在集合中,GetState会panic
func (qp *QueryPeerset) GetState(id kb.ID) PeerState {
	return qp.all[qp.find(id)].state
}

// GetReferrer 返回推荐联系人id的节点
// 如果id不在集合中,GetReferrer会panic
func (qp *QueryPeerset) GetReferrer(id kb.ID) kb.ID {
	return qp.all[qp.find(id)].referredBy
}

// GetContact 返回联系人id的完整信息
// 返回值:
//   - kb.Contact 联系人
//   - bool 联系人是否在集合中
func (qp *QueryPeerset) GetContact(id kb.ID) (kb.Contact, bool) {
	i := qp.find(id)
	if i < 0 {
		return kb.Contact{}, false
	}
	return qp.all[i].contact, true
}

// GetClosestNInStates 返回距离目标最近的、处于给定状态之一的n个联系人
// 如果满足条件的联系人少于n个,则返回所有满足条件的联系人
// 返回的联系人按照到目标的距离升序排序
// 参数:
//   - n: int 要返回的联系人数量
//   - states: ...PeerState 状态列表
//
// 返回值:
//   - []kb.Contact 联系人列表
func (qp *QueryPeerset) GetClosestNInStates(n int, states ...PeerState) (result []kb.Contact) {
	qp.sort()
	for _, p := range qp.all {
		if len(result) >= n {
			break
		}
		for _, s := range states {
			if p.state == s {
				result = append(result, p.contact)
				break
			}
		}
	}
	return result
}

// GetClosestInStates 返回处于给定状态之一的所有联系人
// 返回的联系人按照到目标的距离升序排序
func (qp *QueryPeerset) GetClosestInStates(states ...PeerState) []kb.Contact {
	return qp.GetClosestNInStates(len(qp.all), states...)
}

// NumHeard 返回处于PeerHeard状态的联系人数量
func (qp *QueryPeerset) NumHeard() int {
	return qp.count(PeerHeard)
}

// NumWaiting 返回处于PeerWaiting状态的联系人数量
func (qp *QueryPeerset) NumWaiting() int {
	return qp.count(PeerWaiting)
}

func (qp *QueryPeerset) count(s PeerState) int {
	n := 0
	for _, p := range qp.all {
		if p.state == s {
			n++
		}
	}
	return n
}

// CountCloserThan 返回处于给定状态之一、且比id更接近目标的联系人数量
func (qp *QueryPeerset) CountCloserThan(id kb.ID, states ...PeerState) int {
	d := id.Xor(qp.target)
	n := 0
	for _, p := range qp.all {
		if bytes.Compare(p.distance[:], d[:]) >= 0 {
			continue
		}
		for _, s := range states {
			if p.state == s {
				n++
				break
			}
		}
	}
	return n
}
