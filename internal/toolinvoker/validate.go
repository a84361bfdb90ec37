package toolinvoker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/oasisrun/agentplatform/internal/agent"
)

// schemaCache memoizes compiled parameter schemas per tool name; tool
// definitions are immutable after startup, so entries never need
// invalidation.
var schemaCache sync.Map // tool name -> *jsonschema.Schema

// validateArgs checks a call's argument object against the tool's
// advertised parameter schema before dispatch. A tool with no schema (or
// one that fails to compile) is not validated; the provider subprocess
// remains the authority in that case.
func validateArgs(tool agent.Tool, args json.RawMessage) error {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}

	var compiled *jsonschema.Schema
	if cached, ok := schemaCache.Load(tool.Name()); ok {
		compiled = cached.(*jsonschema.Schema)
	} else {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
			return nil
		}
		s, err := c.Compile("schema.json")
		if err != nil {
			return nil
		}
		schemaCache.Store(tool.Name(), s)
		compiled = s
	}
	if compiled == nil {
		return nil
	}

	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return compiled.Validate(doc)
}
