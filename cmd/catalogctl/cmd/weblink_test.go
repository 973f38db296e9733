package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLabels(t *testing.T) {
	got, err := parseLabels([]string{"team=a", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "a", "empty": ""}, got)

	got, err = parseLabels(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseLabels([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseLabels([]string{"=v"})
	assert.Error(t, err)
}
