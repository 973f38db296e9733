package v1

import (
	"encoding/json"
	"fmt"
)

// ChangeEventType 定义了变更事件的类型
type ChangeEventType string

const (
	EventAdd    ChangeEventType = "add"
	EventUpdate ChangeEventType = "update"
	EventDelete ChangeEventType = "delete"
)

// EntityPatch 只包含与上一次发送的快照不同的顶层段。
// 每个段都是一个 JSON merge patch (RFC 7386)，未变化的段为空并在序列化时省略。
type EntityPatch struct {
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Status   json.RawMessage `json:"status,omitempty"`
	Spec     json.RawMessage `json:"spec,omitempty"`
}

// IsEmpty 判断补丁是否不包含任何段。
func (p *EntityPatch) IsEmpty() bool {
	return p == nil || (len(p.Metadata) == 0 && len(p.Status) == 0 && len(p.Spec) == 0)
}

// ChangeEvent 是在数据通道上传输的事件：
// add 携带完整实体，update 携带 uid 和补丁，delete 只携带 uid。
type ChangeEvent struct {
	Type ChangeEventType

	// UID 对三种事件都有效，add 事件中与 Entity.Metadata.UID 相同
	UID string

	// 仅 add 事件
	Entity *RawEntity

	// 仅 update 事件
	Patch *EntityPatch
}

// NewAddEvent 创建一个 add 事件。
func NewAddEvent(raw *RawEntity) ChangeEvent {
	return ChangeEvent{Type: EventAdd, UID: raw.Metadata.UID, Entity: raw}
}

// NewUpdateEvent 创建一个 update 事件。
func NewUpdateEvent(uid string, patch *EntityPatch) ChangeEvent {
	return ChangeEvent{Type: EventUpdate, UID: uid, Patch: patch}
}

// NewDeleteEvent 创建一个 delete 事件。
func NewDeleteEvent(uid string) ChangeEvent {
	return ChangeEvent{Type: EventDelete, UID: uid}
}

type wireEvent struct {
	Type ChangeEventType `json:"type"`
	UID  string          `json:"uid,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON 按照线上格式序列化事件。
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type}

	switch e.Type {
	case EventAdd:
		if e.Entity == nil {
			return nil, fmt.Errorf("add event without entity")
		}
		data, err := json.Marshal(e.Entity)
		if err != nil {
			return nil, err
		}
		w.Data = data
	case EventUpdate:
		w.UID = e.UID
		patch := e.Patch
		if patch == nil {
			patch = &EntityPatch{}
		}
		data, err := json.Marshal(patch)
		if err != nil {
			return nil, err
		}
		w.Data = data
	case EventDelete:
		w.UID = e.UID
	default:
		return nil, fmt.Errorf("unknown change event type %q", e.Type)
	}

	return json.Marshal(w)
}

// UnmarshalJSON 解析线上格式的事件。
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = ChangeEvent{Type: w.Type, UID: w.UID}
	switch w.Type {
	case EventAdd:
		raw := &RawEntity{}
		if len(w.Data) == 0 {
			return fmt.Errorf("add event without data")
		}
		if err := json.Unmarshal(w.Data, raw); err != nil {
			return fmt.Errorf("failed to decode add event data: %w", err)
		}
		e.Entity = raw.Normalize()
		e.UID = raw.Metadata.UID
	case EventUpdate:
		patch := &EntityPatch{}
		if len(w.Data) > 0 {
			if err := json.Unmarshal(w.Data, patch); err != nil {
				return fmt.Errorf("failed to decode update event data: %w", err)
			}
		}
		e.Patch = patch
	case EventDelete:
	default:
		return fmt.Errorf("unknown change event type %q", w.Type)
	}

	if e.UID == "" {
		return fmt.Errorf("%s event without uid", w.Type)
	}
	return nil
}
