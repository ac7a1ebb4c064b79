package services

import (
	"fmt"

	"inspec-ai-pipeline/internal/models"
)

// Schema merging is pure and total: malformed or missing requirement groups
// are treated as empty groups and never produce an error.

const (
	mandatoryGroupKey = "mandatoryRequirements"
	optionalGroupKey  = "optionalRequirements"
)

// FlattenRequirements walks a two-tier requirement structure (the mandatory
// group, then the optional group, then any top-level keys outside those
// groups) and copies every non-nil, non-empty leaf into one flat mapping.
// Conflicting keys resolve last-write-wins in that traversal order.
func FlattenRequirements(provided map[string]interface{}) models.CollectedData {
	flat := models.CollectedData{}
	if provided == nil {
		return flat
	}

	flattenInto(flat, asGroup(provided[mandatoryGroupKey]))
	flattenInto(flat, asGroup(provided[optionalGroupKey]))

	for key, value := range provided {
		if key == mandatoryGroupKey || key == optionalGroupKey {
			continue
		}
		flattenLeaf(flat, key, value)
	}

	return flat
}

// MergeWithSchema starts from provided verbatim, then inserts an empty
// placeholder for every schema-declared leaf key absent from the result.
// Existing non-empty values are never overwritten.
func MergeWithSchema(provided models.CollectedData, schema *models.RequirementSchema) models.CollectedData {
	merged := provided.Clone()
	if schema == nil {
		return merged
	}

	for _, key := range leafKeys(schema.MandatoryRequirements) {
		if _, exists := merged[key]; !exists {
			merged[key] = ""
		}
	}

	for _, key := range leafKeys(schema.OptionalRequirements) {
		if _, exists := merged[key]; !exists {
			merged[key] = ""
		}
	}

	return merged
}

// MandatoryFieldsMissing reports the mandatory leaf keys whose collected
// value is still empty.
func MandatoryFieldsMissing(data models.CollectedData, schema *models.RequirementSchema) []string {
	if schema == nil {
		return nil
	}

	var missing []string
	for _, key := range leafKeys(schema.MandatoryRequirements) {
		if data[key] == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func asGroup(value interface{}) map[string]interface{} {
	group, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	return group
}

func flattenInto(flat models.CollectedData, group map[string]interface{}) {
	for key, value := range group {
		flattenLeaf(flat, key, value)
	}
}

func flattenLeaf(flat models.CollectedData, key string, value interface{}) {
	switch v := value.(type) {
	case nil:
		return
	case string:
		if v != "" {
			flat[key] = v
		}
	case map[string]interface{}:
		flattenInto(flat, v)
	default:
		flat[key] = fmt.Sprint(v)
	}
}

func leafKeys(group map[string]interface{}) []string {
	var keys []string
	for key, value := range group {
		if nested, ok := value.(map[string]interface{}); ok {
			keys = append(keys, leafKeys(nested)...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
