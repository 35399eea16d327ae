package converge

import (
	"slices"
	"strings"
)

// ActionKind is the single change the executor makes to one container.
type ActionKind uint8

const (
	ActionNoOp ActionKind = iota + 1
	ActionCreate
	ActionRecreate
	ActionUpdate
	ActionRemove
	ActionStart
	ActionStop
)

func (k ActionKind) String() string {
	switch k {
	case ActionNoOp:
		return "noop"
	case ActionCreate:
		return "create"
	case ActionRecreate:
		return "recreate"
	case ActionUpdate:
		return "update"
	case ActionRemove:
		return "remove"
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	default:
		return "unknown"
	}
}

func (k ActionKind) IsValid() bool {
	switch k {
	case ActionNoOp,
		ActionCreate,
		ActionRecreate,
		ActionUpdate,
		ActionRemove,
		ActionStart,
		ActionStop:
		return true
	default:
		return false
	}
}

// Mutates reports whether applying the action changes engine state.
func (k ActionKind) Mutates() bool {
	return k != ActionNoOp
}

// Field names one comparable part of a container configuration.
type Field uint8

const (
	FieldImage Field = iota + 1
	FieldCommand
	FieldEnv
	FieldPorts
	FieldVolumes
	FieldNetworks
	FieldLabels
	FieldRestartPolicy
	FieldResources
	FieldRunState
)

func (f Field) String() string {
	switch f {
	case FieldImage:
		return "image"
	case FieldCommand:
		return "command"
	case FieldEnv:
		return "env"
	case FieldPorts:
		return "ports"
	case FieldVolumes:
		return "volumes"
	case FieldNetworks:
		return "networks"
	case FieldLabels:
		return "labels"
	case FieldRestartPolicy:
		return "restart_policy"
	case FieldResources:
		return "resources"
	case FieldRunState:
		return "run_state"
	default:
		return "unknown"
	}
}

// InPlace reports whether the field can change on a live container.
func (f Field) InPlace() bool {
	return f == FieldRestartPolicy || f == FieldResources
}

// Action is the diff result for one container. Reasons lists the differing
// fields that force a Recreate; Changed lists the fields an Update applies.
// Deferred holds replace-requiring differences left for a later recreate
// under TieBreakUpdate.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Reasons  []Field    `json:"reasons,omitempty"`
	Changed  []Field    `json:"changed,omitempty"`
	Deferred []Field    `json:"deferred,omitempty"`
}

func (a Action) String() string {
	var b strings.Builder
	b.WriteString(a.Kind.String())
	if len(a.Reasons) > 0 {
		b.WriteString("(" + joinFields(a.Reasons) + ")")
	}
	if len(a.Changed) > 0 {
		b.WriteString("(" + joinFields(a.Changed) + ")")
	}
	if len(a.Deferred) > 0 {
		b.WriteString(" deferred(" + joinFields(a.Deferred) + ")")
	}
	return b.String()
}

// Has reports whether f is among the action's changed fields.
func (a Action) Has(f Field) bool {
	return slices.Contains(a.Changed, f)
}

func joinFields(fields []Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (f Field) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}
