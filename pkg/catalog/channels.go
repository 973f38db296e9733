package catalog

const (
	// StreamName 是目录变更事件的逻辑流名称
	StreamName = "catalog:entities"

	// WebLinkAddChannel 是新增书签的 invoke 通道
	WebLinkAddChannel = "catalog:weblink:add"
	// EntityDeleteChannel 是删除持久化实体的 invoke 通道
	EntityDeleteChannel = "catalog:entity:delete"
)

// WebLinkAddRequest 是 WebLinkAddChannel 的请求体。
type WebLinkAddRequest struct {
	Name   string            `json:"name"`
	URL    string            `json:"url"`
	Labels map[string]string `json:"labels,omitempty"`
}

// EntityDeleteRequest 是 EntityDeleteChannel 的请求体。
type EntityDeleteRequest struct {
	UID string `json:"uid"`
}
