package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManifest(t *testing.T) {
	assert.NoError(t, Manifest([]byte(`{"wingmanVersion":"1.4.0","toolsVersion":"1.4.0"}`)))
	assert.Error(t, Manifest([]byte(`{"wingmanVersion":"1.4.0"}`)))
	assert.Error(t, Manifest([]byte(`{"wingmanVersion":140,"toolsVersion":"1"}`)))
	assert.Error(t, Manifest([]byte(`not json`)))
}

func TestAgentConfig(t *testing.T) {
	assert.NoError(t, AgentConfig([]byte(`{"server":{"api":{"port":3501}},"paths":{"toolsDir":"/x"},"extra":true}`)))
	assert.Error(t, AgentConfig([]byte(`{"server":{"api":{"port":"3501"}}}`)))
	assert.Error(t, AgentConfig([]byte(`{"server":{"api":{"port":70000}}}`)))
}

func TestControllerConfigMapAcceptsTOMLIntegers(t *testing.T) {
	m := map[string]any{
		"supervisor": map[string]any{"base_port": int64(3500), "agent_args": []any{"--config", "{config}"}},
	}
	assert.NoError(t, ControllerConfigMap(m))

	m["supervisor"] = map[string]any{"base_port": "x"}
	assert.Error(t, ControllerConfigMap(m))
}

func TestDownloadRequest(t *testing.T) {
	assert.NoError(t, DownloadRequest([]byte(`{"wsId":1,"userId":2,"isPremiumPlan":true,"wgId":"abc"}`)))
	assert.Error(t, DownloadRequest([]byte(`{"wsId":0,"userId":2}`)))
	assert.Error(t, DownloadRequest([]byte(`{"userId":2}`)))
}
