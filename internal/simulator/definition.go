package simulator

// Definition is the metadata a connector registers for its simulator:
// identity, supported model files, and the step/unit vocabulary routines may
// use. It is serialized as-is toward the platform.
type Definition struct {
	ExternalID         string         `json:"external_id"`
	Name               string         `json:"name"`
	FileExtensionTypes []string       `json:"file_extension_types"`
	ModelTypes         []ModelType    `json:"model_types"`
	StepFields         []StepField    `json:"step_fields"`
	UnitQuantities     []UnitQuantity `json:"unit_quantities"`
}

// ModelType classifies the models a simulator accepts.
type ModelType struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// StepField describes the arguments available to one step type
// ("get/set" or "command").
type StepField struct {
	StepType string  `json:"step_type"`
	Fields   []Field `json:"fields"`
}

type Field struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Info  string `json:"info"`
}

// UnitQuantity groups the units a physical quantity may be expressed in.
type UnitQuantity struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Units []Unit `json:"units"`
}

type Unit struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}
