package agentbridge

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidateActionParameters checks an action's parameters against the JSON
// Schema carried by the tool/defineAction facet that advertised it. A nil or
// empty definition means no validation.
func ValidateActionParameters(definition map[string]any, parameters map[string]any) error {
	if len(definition) == 0 {
		return nil
	}
	if parameters == nil {
		parameters = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(definition)
	paramsLoader := gojsonschema.NewGoLoader(parameters)

	result, err := gojsonschema.Validate(schemaLoader, paramsLoader)
	if err != nil {
		return fmt.Errorf("agentbridge: schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, verr := range result.Errors() {
			msgs[i] = verr.String()
		}
		return fmt.Errorf("agentbridge: invalid action parameters: %s", strings.Join(msgs, "; "))
	}
	return nil
}
