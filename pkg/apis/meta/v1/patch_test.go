package v1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRaw() *RawEntity {
	return &RawEntity{
		TypeMeta: TypeMeta{Kind: "KubernetesCluster", APIVersion: "entity.k8slens.dev/v1alpha1"},
		Metadata: ObjectMeta{
			UID:    "c1",
			Name:   "minikube",
			Source: "local",
			Labels: map[string]string{"env": "dev"},
		},
		Status: EntityStatus{Phase: "disconnected"},
		Spec:   map[string]interface{}{"kubeconfigPath": "/tmp/config", "replicas": int64(3)},
	}
}

func TestSplitAPIVersion(t *testing.T) {
	tests := []struct {
		in, group, version string
	}{
		{"entity.k8slens.dev/v1alpha1", "entity.k8slens.dev", "v1alpha1"},
		{"a/b/c", "a", "b/c"},
		{"nogroup", "nogroup", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		group, version := SplitAPIVersion(tt.in)
		assert.Equal(t, tt.group, group, tt.in)
		assert.Equal(t, tt.version, version, tt.in)
	}
}

func TestCreateEntityPatchOnlyChangedSections(t *testing.T) {
	old := newTestRaw()
	cur := old.DeepCopy()
	cur.Status.Phase = "connected"

	patch, err := CreateEntityPatch(old, cur)
	require.NoError(t, err)
	require.NotNil(t, patch)

	assert.JSONEq(t, `{"phase":"connected"}`, string(patch.Status))
	assert.Empty(t, patch.Metadata)
	assert.Empty(t, patch.Spec)
}

func TestCreateEntityPatchNoChange(t *testing.T) {
	old := newTestRaw()
	patch, err := CreateEntityPatch(old, old.DeepCopy())
	require.NoError(t, err)
	assert.Nil(t, patch)
}

func TestCreateEntityPatchNumericRepresentation(t *testing.T) {
	old := newTestRaw()
	cur := old.DeepCopy()
	// JSON 往返之后整数变成 float64，但表示相同
	cur.Spec["replicas"] = float64(3)

	patch, err := CreateEntityPatch(old, cur)
	require.NoError(t, err)
	assert.Nil(t, patch)
}

func TestApplyEntityPatchRoundTrip(t *testing.T) {
	old := newTestRaw()
	cur := old.DeepCopy()
	cur.Metadata.Labels = map[string]string{"team": "platform"}
	cur.Status.Enabled = Bool(true)
	delete(cur.Spec, "replicas")
	cur.Spec["server"] = "https://10.0.0.1:6443"

	patch, err := CreateEntityPatch(old, cur)
	require.NoError(t, err)
	require.NotNil(t, patch)

	got, err := ApplyEntityPatch(old, patch)
	require.NoError(t, err)

	assert.Equal(t, cur.Metadata, got.Metadata)
	assert.Equal(t, cur.Status, got.Status)
	assert.Equal(t, map[string]interface{}{
		"kubeconfigPath": "/tmp/config",
		"server":         "https://10.0.0.1:6443",
	}, got.Spec)

	// 原对象不会被修改
	assert.Equal(t, "dev", old.Metadata.Labels["env"])
	assert.Contains(t, old.Spec, "replicas")
}

func TestApplyEntityPatchLeavesOmittedSections(t *testing.T) {
	old := newTestRaw()
	patch := &EntityPatch{Status: []byte(`{"message":"probing"}`)}

	got, err := ApplyEntityPatch(old, patch)
	require.NoError(t, err)
	assert.Equal(t, "disconnected", got.Status.Phase)
	assert.Equal(t, "probing", got.Status.Message)
	assert.Equal(t, old.Metadata, got.Metadata)
	assert.Equal(t, old.Spec, got.Spec)
}

func TestRawEntityNormalize(t *testing.T) {
	raw := (&RawEntity{}).Normalize()
	assert.NotNil(t, raw.Metadata.Labels)
	assert.NotNil(t, raw.Spec)
}
