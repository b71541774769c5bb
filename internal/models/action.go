package models

import (
	"fmt"
	"strings"
	"time"
)

// ActionType enumerates every action the core may take. The set is closed: the Act
// phase switches over it exhaustively and actionTable must describe every member.
type ActionType int

const (
	ActionUnknown ActionType = iota
	ActionDeploy
	ActionRollback
	ActionMergePR
	ActionCreateIssue
	ActionAlert
	ActionRestartService
	ActionClearCache
	ActionResetConnections
	ActionMemoryCleanup

	numActionTypes
)

// ActionMeta describes static properties of an action type.
type ActionMeta struct {
	Name            string
	BaseReliability float64
	DefaultPriority int
	SelfHealing     bool
	Reversible      bool
}

var actionTable = map[ActionType]ActionMeta{
	ActionDeploy:           {Name: "DEPLOY", BaseReliability: 0.70, DefaultPriority: 4, Reversible: true},
	ActionRollback:         {Name: "ROLLBACK", BaseReliability: 0.85, DefaultPriority: 8, Reversible: false},
	ActionMergePR:          {Name: "MERGE_PR", BaseReliability: 0.75, DefaultPriority: 3},
	ActionCreateIssue:      {Name: "CREATE_ISSUE", BaseReliability: 0.95, DefaultPriority: 5, Reversible: true},
	ActionAlert:            {Name: "ALERT", BaseReliability: 0.98, DefaultPriority: 2, Reversible: true},
	ActionRestartService:   {Name: "RESTART_SERVICE", BaseReliability: 0.80, DefaultPriority: 7, SelfHealing: true},
	ActionClearCache:       {Name: "CLEAR_CACHE", BaseReliability: 0.85, DefaultPriority: 6, SelfHealing: true},
	ActionResetConnections: {Name: "RESET_CONNECTIONS", BaseReliability: 0.80, DefaultPriority: 6, SelfHealing: true},
	ActionMemoryCleanup:    {Name: "MEMORY_CLEANUP", BaseReliability: 0.85, DefaultPriority: 6, SelfHealing: true},
}

// ValidateActionTable fails when an action type has no metadata. Called at startup.
func ValidateActionTable() error {
	for t := ActionUnknown + 1; t < numActionTypes; t++ {
		meta, ok := actionTable[t]
		if !ok || meta.Name == "" {
			return fmt.Errorf("action type %d has no metadata", int(t))
		}
		if meta.BaseReliability < 0 || meta.BaseReliability > 1 {
			return fmt.Errorf("action type %s has base reliability %.2f outside [0,1]", meta.Name, meta.BaseReliability)
		}
	}
	return nil
}

// AllActionTypes returns the known action types in declaration order.
func AllActionTypes() []ActionType {
	out := make([]ActionType, 0, int(numActionTypes)-1)
	for t := ActionUnknown + 1; t < numActionTypes; t++ {
		out = append(out, t)
	}
	return out
}

// Meta returns the static metadata for the action type.
func (t ActionType) Meta() ActionMeta {
	return actionTable[t]
}

// Valid reports whether t is a member of the closed set.
func (t ActionType) Valid() bool {
	_, ok := actionTable[t]
	return ok
}

// SelfHealing reports whether t is one of the self-healing remediations.
func (t ActionType) SelfHealing() bool {
	return actionTable[t].SelfHealing
}

func (t ActionType) String() string {
	if meta, ok := actionTable[t]; ok {
		return meta.Name
	}
	return "UNKNOWN"
}

// ParseActionType maps a case-insensitive name onto an ActionType.
func ParseActionType(name string) (ActionType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for t, meta := range actionTable {
		if meta.Name == normalized {
			return t, nil
		}
	}
	return ActionUnknown, fmt.Errorf("unknown action type %q", name)
}

// MarshalText encodes the action type by name.
func (t ActionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes an action type name.
func (t *ActionType) UnmarshalText(data []byte) error {
	parsed, err := ParseActionType(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ActionOutcome captures the result of an action attempt.
type ActionOutcome string

const (
	OutcomePending ActionOutcome = "pending"
	OutcomeSuccess ActionOutcome = "success"
	OutcomeFailure ActionOutcome = "failure"
)

// ActionRecord is an append-only audit entry for one external action attempt.
type ActionRecord struct {
	ID         string
	DecisionID string
	ActionType ActionType
	Target     string
	Timestamp  time.Time
	Outcome    ActionOutcome
	Confidence float64
	Automated  bool
	Error      string
}
