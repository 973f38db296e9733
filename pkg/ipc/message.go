package ipc

import (
	"encoding/json"
	"time"
)

// MessageKind 是 websocket 上消息的类型
type MessageKind string

const (
	// KindInvoke 展示进程 -> host，需要一条相同 ID 的 KindResult
	KindInvoke MessageKind = "invoke"
	// KindResult host -> 展示进程，invoke 的结果
	KindResult MessageKind = "result"
	// KindSend 展示进程 -> host，单向消息
	KindSend MessageKind = "send"
	// KindBroadcast host -> 所有展示进程，单向消息
	KindBroadcast MessageKind = "broadcast"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// 等待对端 pong 的最长时间
	pongWait = 60 * time.Second
	// ping 的周期，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10
	// 每个对端的发送队列长度，队列满时断开该对端
	sendQueueSize = 1024
)

// Message 是 websocket 上传输的信封。
type Message struct {
	Kind    MessageKind     `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
