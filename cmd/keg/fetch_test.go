package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPrefixSplitsServerFromPath(t *testing.T) {
	server, path, err := splitPrefix("http://level3.blizzard.com/tpr/wow")
	require.NoError(t, err)
	assert.Equal(t, "http://level3.blizzard.com", server)
	assert.Equal(t, "tpr/wow", path)
}

func TestSplitPrefixRejectsBarePath(t *testing.T) {
	_, _, err := splitPrefix("tpr/wow")
	assert.Error(t, err)
}

func TestParseEndpointRejectsUnknownName(t *testing.T) {
	_, err := parseEndpoint("not-a-real-endpoint")
	assert.Error(t, err)
}
