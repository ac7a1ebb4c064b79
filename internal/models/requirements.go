package models

// CollectedData is the session's accumulating flat map of requirement field
// to value. Values may be empty placeholders for fields the schema declares
// but the user has not supplied yet.
type CollectedData map[string]string

// Clone returns an independent copy so dispatch branches can build candidate
// states without aliasing the stored one.
func (d CollectedData) Clone() CollectedData {
	clone := make(CollectedData, len(d))
	for k, v := range d {
		clone[k] = v
	}
	return clone
}

// FilledFields returns the keys that carry a non-empty value.
func (d CollectedData) FilledFields() []string {
	fields := make([]string, 0, len(d))
	for k, v := range d {
		if v != "" {
			fields = append(fields, k)
		}
	}
	return fields
}

// RequirementSchema is the backend-declared field catalogue for one product
// type. Group values are nested maps of field name to a human-readable
// type/description hint; only leaf keys matter to the merger.
type RequirementSchema struct {
	ProductType           string                 `json:"product_type"`
	MandatoryRequirements map[string]interface{} `json:"mandatoryRequirements"`
	OptionalRequirements  map[string]interface{} `json:"optionalRequirements"`
}

// ValidationResult is the outcome of submitting free text for structured
// extraction. An empty ProductType means none was detected. A non-empty
// ValidationAlert means mandatory fields are still missing.
type ValidationResult struct {
	ProductType     string            `json:"product_type"`
	ExtractedData   map[string]string `json:"extracted_data"`
	ValidationAlert string            `json:"validation_alert,omitempty"`
	SuggestedStep   string            `json:"suggested_step,omitempty"`
}

// AdditionalRequirementsResult carries fields extracted from follow-up free
// text against an already known product type.
type AdditionalRequirementsResult struct {
	Explanation   string            `json:"explanation"`
	ExtractedData map[string]string `json:"extracted_data"`
}

// AdvancedParametersResult is the vendor-sourced optional parameter set
// discovered once per product type and cached on the session for the
// duration of the awaitAdvanced step.
type AdvancedParametersResult struct {
	ProductType      string              `json:"product_type"`
	UniqueParameters []string            `json:"unique_parameters"`
	VendorParameters map[string][]string `json:"vendor_parameters,omitempty"`
}

// ParameterSelection is the backend's interpretation of user text against the
// discovered candidate parameter names.
type ParameterSelection struct {
	Selected map[string]string `json:"selected"`
	Count    int               `json:"count"`
}
