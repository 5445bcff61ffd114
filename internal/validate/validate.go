package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	mu       sync.Mutex
	compiled = map[string]*jsonschema.Schema{}
)

// ValidateJSON validates an object with the given schema. The object is
// normalized through encoding/json first so TOML and typed values validate
// the same way decoded JSON does.
func ValidateJSON(obj any, schemaSrc string) error {
	sch, err := compile(schemaSrc)
	if err != nil {
		return err
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	return sch.Validate(v)
}

// ValidateBytes validates a raw JSON document.
func ValidateBytes(doc []byte, schemaSrc string) error {
	sch, err := compile(schemaSrc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

func compile(src string) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()
	if s, ok := compiled[src]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://schema.json", strings.NewReader(src)); err != nil {
		return nil, err
	}
	s, err := c.Compile("mem://schema.json")
	if err != nil {
		return nil, err
	}
	compiled[src] = s
	return s, nil
}

// Manifest validates a release manifest document.
func Manifest(doc []byte) error { return ValidateBytes(doc, manifestSchema) }

// AgentConfig validates the agent's config.json.
func AgentConfig(doc []byte) error { return ValidateBytes(doc, agentConfigSchema) }

// ControllerConfigMap validates a decoded wingman.toml.
func ControllerConfigMap(m map[string]any) error { return ValidateJSON(m, controllerSchema) }

// DownloadRequest validates the download-wingman and activate command inputs.
func DownloadRequest(doc []byte) error { return ValidateBytes(doc, downloadRequestSchema) }

const manifestSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["wingmanVersion","toolsVersion"],
  "properties":{
    "wingmanVersion":{"type":"string","minLength":1},
    "toolsVersion":{"type":"string","minLength":1}
  }
}`

const agentConfigSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "properties":{
    "server":{
      "type":"object",
      "properties":{
        "api":{
          "type":"object",
          "properties":{
            "host":{"type":"string"},
            "port":{"type":"integer","minimum":0,"maximum":65535}
          }
        }
      }
    },
    "paths":{
      "type":"object",
      "properties":{
        "toolsDir":{"type":"string"},
        "envFilePath":{"type":"string"}
      }
    },
    "responseLanguage":{"type":"string"}
  }
}`

const controllerSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "properties":{
    "root":{"type":"string"},
    "download_base":{"type":"string"},
    "client_info":{"type":"string"},
    "http_addr":{"type":"string"},
    "manifest":{"type":"object","properties":{
      "timeout":{"type":"string"},
      "connect_timeout":{"type":"string"}
    }},
    "download":{"type":"object","properties":{
      "chunk_size":{"type":"integer","minimum":512},
      "progress_interval":{"type":"string"}
    }},
    "supervisor":{"type":"object","properties":{
      "host":{"type":"string"},
      "base_port":{"type":"integer","minimum":1,"maximum":65535},
      "fallback_port":{"type":"integer","minimum":1,"maximum":65535},
      "ready_timeout":{"type":"string"},
      "monitor_interval":{"type":"string"},
      "max_restarts":{"type":"integer","minimum":0},
      "restart_backoff":{"type":"string"},
      "stop_timeout":{"type":"string"},
      "agent_args":{"type":"array","items":{"type":"string"}}
    }},
    "api":{"type":"object"},
    "telemetry":{"type":"object"}
  }
}`

const downloadRequestSchema = `{
  "$schema":"https://json-schema.org/draft/2020-12/schema",
  "type":"object",
  "required":["wsId","userId"],
  "properties":{
    "wsId":{"type":"integer","minimum":1},
    "userId":{"type":"integer","minimum":1},
    "token":{"type":"string"},
    "wgId":{"type":["string","integer"]},
    "isPremiumPlan":{"type":"boolean"},
    "bitoPlanId":{"type":"string"},
    "responseLanguage":{"type":"string"}
  }
}`
