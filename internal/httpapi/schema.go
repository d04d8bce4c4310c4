package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// createTaskSchemaJSON is the JSON Schema a POST /tasks body must satisfy
// before reaching createTask.
const createTaskSchemaJSON = `{
	"type": "object",
	"required": ["title", "repo_path"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"repo_path": {"type": "string", "minLength": 1},
		"created_by": {"type": "string"},
		"notify_chat": {"type": "string"},
		"mode": {"type": "string"},
		"max_attempts": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

func compileCreateTaskSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createTaskSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal create-task schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("create-task.json", doc); err != nil {
		return nil, fmt.Errorf("add create-task schema resource: %w", err)
	}
	schema, err := c.Compile("create-task.json")
	if err != nil {
		return nil, fmt.Errorf("compile create-task schema: %w", err)
	}
	return schema, nil
}
