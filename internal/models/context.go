package models

// EntityKind is a kind of domain entity that can be attached to a prompt.
type EntityKind string

const (
	EntityDataSource EntityKind = "data_source"
	EntityDataset    EntityKind = "dataset"
	EntityPipeline   EntityKind = "pipeline"
	EntityAnalysis   EntityKind = "analysis"
	EntityModel      EntityKind = "model"
)

// EntityKinds lists every attachable entity kind.
var EntityKinds = []EntityKind{
	EntityDataSource,
	EntityDataset,
	EntityPipeline,
	EntityAnalysis,
	EntityModel,
}

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	for _, known := range EntityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ContextSnapshot is the set of entity references bundled into an outgoing prompt,
// grouped by kind. Lists are sorted.
type ContextSnapshot struct {
	DataSourceIDs []string `json:"dataSourceIds"`
	DatasetIDs    []string `json:"datasetIds"`
	PipelineIDs   []string `json:"pipelineIds"`
	AnalysisIDs   []string `json:"analysisIds"`
	ModelIDs      []string `json:"modelIds"`
}

// IDs returns the id list for kind.
func (c ContextSnapshot) IDs(kind EntityKind) []string {
	switch kind {
	case EntityDataSource:
		return c.DataSourceIDs
	case EntityDataset:
		return c.DatasetIDs
	case EntityPipeline:
		return c.PipelineIDs
	case EntityAnalysis:
		return c.AnalysisIDs
	case EntityModel:
		return c.ModelIDs
	}
	return nil
}

// Empty reports whether nothing is attached.
func (c ContextSnapshot) Empty() bool {
	for _, kind := range EntityKinds {
		if len(c.IDs(kind)) > 0 {
			return false
		}
	}
	return true
}
