package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

func testEntities() []catalog.Entity {
	return []catalog.Entity{
		catalogv1.NewWebLink(metav1.ObjectMeta{
			UID:    "w1",
			Name:   "docs",
			Source: "local",
			Labels: map[string]string{"team": "a", "env": "prod"},
		}, "https://example.com"),
		catalogv1.NewGeneralEntity(metav1.ObjectMeta{UID: "g1", Name: "Welcome"}, "/welcome"),
	}
}

func TestPrintEntitiesTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintEntities(&buf, testEntities(), OutputTable))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NAME", "KIND", "SOURCE", "STATUS", "LABELS", "UID"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"docs", "WebLink", "local", "available", "env=prod,team=a", "w1"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"Welcome", "General", "<none>", "active", "<none>", "g1"}, strings.Fields(lines[2]))
}

func TestPrintEntitiesStructured(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintEntities(&buf, testEntities(), OutputJSON))

	var raws []metav1.RawEntity
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raws))
	require.Len(t, raws, 2)
	assert.Equal(t, "https://example.com", raws[0].Spec["url"])

	buf.Reset()
	require.NoError(t, PrintEntities(&buf, testEntities(), OutputYAML))
	raws = nil
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &raws))
	require.Len(t, raws, 2)
	assert.Equal(t, "/welcome", raws[1].Spec["path"])

	assert.Error(t, PrintEntities(&buf, testEntities(), "xml"))
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintEvent(&buf, metav1.NewDeleteEvent("w1")))
	assert.Equal(t, `DELETE  w1 {"type":"delete","uid":"w1"}`+"\n", buf.String())
}
