package schemas

import "time"

// CriteriaType selects how a rule matches an observation.
type CriteriaType string

const (
	// CriteriaCategory matches by exact equality against the observation's category.
	CriteriaCategory CriteriaType = "category"
	// CriteriaContains matches by case-insensitive substring against the
	// observation's raw value.
	CriteriaContains CriteriaType = "contains"
)

// Criteria is the single matching condition of a rule. Rules do not support
// time-windowed or multi-observation composite criteria.
type Criteria struct {
	Type  CriteriaType `json:"type"`
	Value string       `json:"value"`
}

// Rule is a controller-supplied trigger condition. Rule sets are replaced
// wholesale; ids are unique within one set.
type Rule struct {
	ID       string   `json:"id"`
	Criteria Criteria `json:"criteria"`
}

// Observation is one environment-state sample, produced when the page the
// agent is attached to navigates. Value is the page URL; Category is the
// page's host with any "www." prefix stripped.
type Observation struct {
	Category   string    `json:"category"`
	Value      string    `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}
