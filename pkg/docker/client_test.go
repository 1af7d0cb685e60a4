package docker

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/moby/moby/api/types/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMessages_Stream(t *testing.T) {
	out := `{"stream":"Step 1/2 : FROM python:3.11\n"}
{"stream":"\n"}
{"status":"Pulling fs layer","progressDetail":{},"id":"abc"}
{"status":"Downloading","progressDetail":{"current":10,"total":100},"progress":"[=>  ]","id":"abc"}
{"stream":"Successfully tagged launch-x:run1\n"}
`
	lines, err := readMessages(strings.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Step 1/2 : FROM python:3.11",
		"abc Pulling fs layer",
		"Successfully tagged launch-x:run1",
	}, lines)
}

func TestReadMessages_ErrorDetail(t *testing.T) {
	out := `{"stream":"Step 1/2 : FROM private/base\n"}
{"errorDetail":{"message":"pull access denied for private/base"},"error":"pull access denied for private/base"}
`
	lines, err := readMessages(strings.NewReader(out))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull access denied")
	assert.Equal(t, []string{"Step 1/2 : FROM private/base"}, lines)
}

func TestReadMessages_Malformed(t *testing.T) {
	_, err := readMessages(strings.NewReader(`{"stream":`))
	assert.Error(t, err)
}

func TestRegistryAuth_Encode(t *testing.T) {
	empty, err := RegistryAuth{}.Encode()
	require.NoError(t, err)
	assert.Empty(t, empty)

	encoded, err := RegistryAuth{Username: "bot", Password: "pw", ServerAddress: "registry.local"}.Encode()
	require.NoError(t, err)

	raw, err := base64.URLEncoding.DecodeString(encoded)
	require.NoError(t, err)
	var ac registry.AuthConfig
	require.NoError(t, json.Unmarshal(raw, &ac))
	assert.Equal(t, "bot", ac.Username)
	assert.Equal(t, "pw", ac.Password)
	assert.Equal(t, "registry.local", ac.ServerAddress)
}
