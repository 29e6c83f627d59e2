package net

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"

	pb "github.com/dep2p/kadnode/pb"
)

// MessageSizeMax 单条消息的最大字节数
const MessageSizeMax = 4 << 20

// ErrClosed 传输层已关闭
var ErrClosed = fmt.Errorf("传输层已关闭")

var logger = logging.Logger("dht/net")

// Handler 处理一条入站消息
// from是消息到达的远端地址,不一定等于消息中声明的应答地址
type Handler func(from ma.Multiaddr, msg *pb.Message)

// Transport 消息传输层
// Send只负责发出消息,响应通过Handler异步到达
type Transport interface {
	// Send 向地址to发送一条消息
	Send(ctx context.Context, to ma.Multiaddr, msg *pb.Message) error
	// SetHandler 设置入站消息的处理函数
	SetHandler(h Handler)
	// LocalAddr 返回本地监听地址
	LocalAddr() ma.Multiaddr
	// Close 关闭传输层
	Close() error
}

// bufferedDelimitedWriter 在写入消息时执行多个小写入。
// 我们需要缓冲这些写入,以确保不会为每个写入发送新数据包。
type bufferedDelimitedWriter struct {
	buf *bufio.Writer
	msg msgio.WriteCloser
}

var writerPool = sync.Pool{
	New: func() interface{} {
		w := bufio.NewWriter(nil)
		return &bufferedDelimitedWriter{
			buf: w,
			msg: msgio.NewVarintWriter(w),
		}
	},
}

// WriteMsg 以varint长度前缀写入一条消息
// 参数:
//   - w: io.Writer 写入器
//   - mes: *pb.Message 要写入的消息
//
// 返回值:
//   - error 错误信息
func WriteMsg(w io.Writer, mes *pb.Message) error {
	b, err := mes.Marshal()
	if err != nil {
		return err
	}
	if len(b) > MessageSizeMax {
		return msgio.ErrMsgTooLarge
	}
	bw := writerPool.Get().(*bufferedDelimitedWriter)
	bw.buf.Reset(w)
	err = bw.msg.WriteMsg(b)
	if err == nil {
		err = bw.buf.Flush()
	}
	bw.buf.Reset(nil)
	writerPool.Put(bw)
	return err
}

// ReadMsg 从r读取并解码一条消息
// 参数:
//   - r: msgio.Reader 带长度前缀的读取器
//
// 返回值:
//   - *pb.Message 消息
//   - int 消息字节数
//   - error 读取或解码错误
func ReadMsg(r msgio.Reader) (*pb.Message, int, error) {
	b, err := r.ReadMsg()
	n := len(b)
	if err != nil {
		r.ReleaseMsg(b)
		return nil, n, err
	}
	mes := new(pb.Message)
	err = mes.Unmarshal(b)
	r.ReleaseMsg(b)
	if err != nil {
		return nil, n, err
	}
	return mes, n, nil
}
