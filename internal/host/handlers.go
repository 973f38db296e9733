package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/registry"
	"k8s.io/apimachinery/pkg/api/errors"
)

func (h *Host) registerHandlers() error {
	unhandleAdd, err := h.IPC.Handle(catalog.WebLinkAddChannel, h.handleWebLinkAdd)
	if err != nil {
		return err
	}
	h.cleanups = append(h.cleanups, unhandleAdd)

	unhandleDelete, err := h.IPC.Handle(catalog.EntityDeleteChannel, h.handleEntityDelete)
	if err != nil {
		return err
	}
	h.cleanups = append(h.cleanups, unhandleDelete)
	return nil
}

// handleWebLinkAdd 持久化一个新的书签，返回创建后的实体。
func (h *Host) handleWebLinkAdd(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req catalog.WebLinkAddRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.NewBadRequest(fmt.Sprintf("invalid weblink request: %v", err))
	}
	if u, err := url.Parse(req.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.NewBadRequest(fmt.Sprintf("invalid weblink url %q", req.URL))
	}

	raw, err := catalogv1.NewWebLink(metav1.ObjectMeta{
		Name:   req.Name,
		Source: registry.LocalSource,
		Labels: req.Labels,
	}, req.URL).ToRaw()
	if err != nil {
		return nil, err
	}
	return h.Registry.CreateEntity(ctx, raw)
}

// handleEntityDelete 删除一个持久化的实体，来自 kubeconfig 的集群不能通过这里删除。
func (h *Host) handleEntityDelete(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req catalog.EntityDeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.NewBadRequest(fmt.Sprintf("invalid delete request: %v", err))
	}
	if req.UID == "" {
		return nil, errors.NewBadRequest("uid must be specified")
	}
	if err := h.Registry.DeleteEntity(ctx, req.UID); err != nil {
		return nil, err
	}
	return req, nil
}
