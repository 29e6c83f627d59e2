package internal

import "errors"

// ErrUnexpectedSender 响应的发送方与请求的接收方不一致
var ErrUnexpectedSender = errors.New("响应来自意外的发送方")

// ErrUnexpectedReply 响应的类型与请求不匹配
var ErrUnexpectedReply = errors.New("响应类型与请求不匹配")
