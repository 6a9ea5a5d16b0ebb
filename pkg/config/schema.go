package config

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	yaml "gopkg.in/yaml.v3"
)

func GetJSONSchema() string {
	return `{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"endpoint": {
				"type": "string",
				"pattern": "^https?://"
			},
			"project": {"type": "string"},
			"api_key": {"type": "string"},
			"launch": {"type": "string"},
			"description": {"type": "string"},
			"attributes": {
				"type": "array",
				"items": {"type": "string"}
			},
			"mode": {
				"type": "string",
				"enum": ["DEFAULT", "DEBUG", "default", "debug"]
			},
			"launch_id": {"type": "string"},
			"rerun": {"type": "boolean"},
			"rerun_of": {"type": "string"},
			"log_batch_size": {
				"type": "integer",
				"minimum": 1
			},
			"log_batch_payload_limit": {
				"type": "integer",
				"minimum": 1
			},
			"log_size_policy": {
				"type": "string",
				"enum": ["full", "message"]
			},
			"log_level": {
				"type": "string",
				"pattern": "^(?i)(trace|debug|info|warn|warning|error|fatal)$"
			},
			"queue_size": {
				"type": "integer",
				"minimum": 1
			},
			"thread_logging": {"type": "boolean"},
			"retries": {
				"type": "integer",
				"minimum": 0
			},
			"verify_ssl": {"type": "boolean"},
			"connect_timeout": {"$ref": "#/definitions/duration"},
			"read_timeout": {"$ref": "#/definitions/duration"},
			"shutdown_timeout": {"$ref": "#/definitions/duration"},
			"oauth": {
				"type": "object",
				"additionalProperties": false,
				"required": ["token_url"],
				"properties": {
					"token_url": {
						"type": "string",
						"pattern": "^https?://"
					},
					"username": {"type": "string"},
					"password": {"type": "string"},
					"client_id": {"type": "string"},
					"client_secret": {"type": "string"},
					"scope": {"type": "string"}
				}
			},
			"skipped_is_issue": {"type": "boolean"},
			"issue_rules": {
				"type": "array",
				"items": {
					"$ref": "#/definitions/issue_rule"
				}
			}
		},
		"definitions": {
			"duration": {
				"type": "string",
				"pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
			},
			"issue_rule": {
				"type": "object",
				"additionalProperties": false,
				"required": ["match", "type"],
				"properties": {
					"match": {
						"type": "string",
						"minLength": 1
					},
					"type": {
						"type": "string",
						"minLength": 1
					},
					"comment": {"type": "string"}
				}
			}
		}
	}`
}

// ValidateYAMLWithSchema checks a config document against the JSON schema. An
// empty document is valid.
func ValidateYAMLWithSchema(yamlPayload []byte) error {
	var data interface{}
	if err := yaml.Unmarshal(yamlPayload, &data); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	if data == nil {
		return nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(GetJSONSchema())
	documentLoader := gojsonschema.NewBytesLoader(jsonData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("failed to validate schema: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for _, desc := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", desc)
		}
		return fmt.Errorf("schema validation failed:\n%s", errMsg)
	}

	return nil
}
