package util

import (
	"context"
	"testing"
	"time"

	"github.com/fx147/entity-catalog/pkg/aggregator"
	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/consumer"
	"github.com/fx147/entity-catalog/pkg/emitter"
	"github.com/fx147/entity-catalog/pkg/source"
	"github.com/fx147/entity-catalog/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndSettle(t *testing.T) {
	categories := catalog.NewCategoryRegistry()
	_, err := catalogv1.AddToCategories(categories)
	require.NoError(t, err)

	list := source.NewList(
		catalogv1.NewWebLink(metav1.ObjectMeta{UID: "w1", Name: "one"}, "https://one.example.com"),
		catalogv1.NewWebLink(metav1.ObjectMeta{UID: "w2", Name: "two"}, "https://two.example.com"),
	)
	agg := aggregator.New(categories)
	agg.AddSource(list)
	em := emitter.New()
	require.NoError(t, em.Watch(agg))
	defer em.Stop()

	bus := stream.NewMemoryBus()
	srv, err := stream.Serve(bus, catalog.StreamName, em.ProducerFactory())
	require.NoError(t, err)
	defer srv.Close()

	r, err := NewConsumerFromFlags(nil)
	require.NoError(t, err)

	sub, err := StartAndSettle(context.Background(), r, &consumer.CatalogStream{Bus: bus.NewClient()}, 20*time.Millisecond)
	require.NoError(t, err)
	defer sub.Close()

	assert.Len(t, r.Entities(), 2)
}
