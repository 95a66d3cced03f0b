package batch

import "time"

// Scope selects which tasks a run plans.
type Scope struct {
	EntityTypes []EntityType `json:"entityTypes"`
	Kinds       []Kind       `json:"kinds"`
	// SlugFilters match entity slugs case-insensitively; a filter matches
	// as a substring, or as a glob when it contains * ? or [. Empty
	// matches every slug.
	SlugFilters   []string `json:"slugFilters,omitempty"`
	SkipGenerated bool     `json:"skipGenerated"`
}

// Plan is the ordered task list a run submits, persisted as plan.json.
type Plan struct {
	Scope     Scope       `json:"scope"`
	Tasks     []Task      `json:"tasks"`
	Summary   PlanSummary `json:"summary"`
	CreatedAt time.Time   `json:"createdAt"`
}

// PlanSummary describes how a plan was assembled.
type PlanSummary struct {
	TotalTasks              int                `json:"totalTasks"`
	EntitiesScanned         int                `json:"entitiesScanned"`
	ByEntityType            map[EntityType]int `json:"byEntityType"`
	ByKind                  map[Kind]int       `json:"byKind"`
	SkippedAlreadyGenerated int                `json:"skippedAlreadyGenerated"`
	Warnings                []string           `json:"warnings,omitempty"`
}

// Keys returns the plan's task keys in plan order.
func (p *Plan) Keys() []string {
	keys := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		keys[i] = t.Key
	}
	return keys
}
