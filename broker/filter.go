package broker

import (
	"time"

	"github.com/google/uuid"

	kb "github.com/dep2p/kadnode/kbucket"
	pb "github.com/dep2p/kadnode/pb"
)

// Reception 一条已接收的RPC记录,记录后不可修改
type Reception struct {
	// Kind 消息类型
	Kind pb.Message_MessageType
	// Sender 消息中声明的发送方
	Sender kb.Contact
	// Token 关联令牌
	Token uuid.UUID
	// ReceivedAt 接收时间,由代理在记录时填写
	ReceivedAt time.Time
	// Message 解码后的消息
	Message *pb.Message
}

// Filter 接收记录的过滤条件
// 零值匹配所有记录
type Filter struct {
	kinds   []pb.Message_MessageType
	replies bool
	token   uuid.UUID
	senders []kb.ID
	since   time.Time
	within  time.Duration
}

// Any 返回匹配所有记录的过滤器
func Any() Filter {
	return Filter{}
}

// Kinds 只匹配给定类型的记录
func (f Filter) Kinds(kinds ...pb.Message_MessageType) Filter {
	f.kinds = append(append([]pb.Message_MessageType(nil), f.kinds...), kinds...)
	return f
}

// Replies 只匹配响应类型的记录
func (f Filter) Replies() Filter {
	f.replies = true
	return f
}

// WithToken 只匹配给定关联令牌的记录
func (f Filter) WithToken(token uuid.UUID) Filter {
	f.token = token
	return f
}

// From 只匹配来自id的记录
func (f Filter) From(id kb.ID) Filter {
	return f.FromAny(id)
}

// FromAny 只匹配来自ids中任意一个的记录
func (f Filter) FromAny(ids ...kb.ID) Filter {
	f.senders = append(append([]kb.ID(nil), f.senders...), ids...)
	return f
}

// Since 只匹配在t及之后接收的记录
func (f Filter) Since(t time.Time) Filter {
	f.since = t
	f.within = 0
	return f
}

// During 只匹配在开始监听前d时间内及之后接收的记录
func (f Filter) During(d time.Duration) Filter {
	f.within = d
	f.since = time.Time{}
	return f
}

// sinceAt 计算监听在now开始时的起始时间
func (f Filter) sinceAt(now time.Time) time.Time {
	if f.within > 0 {
		return now.Add(-f.within)
	}
	return f.since
}

// Token 返回过滤器的关联令牌,未设置时返回uuid.Nil
func (f Filter) Token() uuid.UUID {
	return f.token
}

// Match 判断记录是否满足过滤条件,不检查起始时间
// 参数:
//   - r: *Reception 接收记录
//
// 返回值:
//   - bool 是否匹配
func (f Filter) Match(r *Reception) bool {
	if f.token != uuid.Nil && r.Token != f.token {
		return false
	}
	if f.replies && !r.Kind.IsResponse() {
		return false
	}
	if len(f.kinds) > 0 && !containsKind(f.kinds, r.Kind) {
		return false
	}
	if len(f.senders) > 0 && !containsID(f.senders, r.Sender.ID) {
		return false
	}
	return true
}

func containsKind(kinds []pb.Message_MessageType, k pb.Message_MessageType) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func containsID(ids []kb.ID, id kb.ID) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}
