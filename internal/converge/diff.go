package converge

import (
	"maps"
	"slices"

	"converge/internal/spec"
)

// TieBreak decides the action when replace-requiring and in-place fields
// differ at the same time.
type TieBreak uint8

const (
	// TieBreakRecreate replaces the container. Replacement covers every
	// difference, so it is the default.
	TieBreakRecreate TieBreak = iota
	// TieBreakUpdate applies the in-place fields now and reports the rest
	// as Deferred.
	TieBreakUpdate
)

func (t TieBreak) String() string {
	switch t {
	case TieBreakRecreate:
		return "recreate"
	case TieBreakUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// ParseTieBreak parses "recreate" or "update".
func ParseTieBreak(s string) (TieBreak, bool) {
	switch s {
	case "", "recreate":
		return TieBreakRecreate, true
	case "update":
		return TieBreakUpdate, true
	default:
		return 0, false
	}
}

type DiffPolicy struct {
	TieBreak TieBreak
	// ForceRecreate turns what would be an Update into a Recreate.
	ForceRecreate bool
}

// Diff classifies the single action that moves observed to desired. A nil
// observed means the container does not exist.
//
//	desired absent,  observed nil             -> NoOp
//	desired absent,  observed present         -> Remove
//	observed nil                              -> Create
//	replace-requiring field differs           -> Recreate(reasons)
//	only in-place fields differ               -> Update(changed)
//	config equal, run state differs           -> Start or Stop
//	config and run state equal                -> NoOp
func Diff(desired, observed *NormalizedSpec, policy DiffPolicy) Action {
	if desired == nil || desired.State == spec.StateAbsent {
		if observed == nil {
			return Action{Kind: ActionNoOp}
		}
		return Action{Kind: ActionRemove}
	}
	if observed == nil {
		return Action{Kind: ActionCreate}
	}

	replace, inPlace := changedFields(*desired, *observed)
	runStateDiffers := desired.State != observed.State

	if len(replace) > 0 {
		if policy.TieBreak == TieBreakUpdate && len(inPlace) > 0 && !policy.ForceRecreate {
			changed := inPlace
			if runStateDiffers {
				changed = append(changed, FieldRunState)
			}
			return Action{Kind: ActionUpdate, Changed: changed, Deferred: replace}
		}
		return Action{Kind: ActionRecreate, Reasons: append(replace, inPlace...)}
	}
	if len(inPlace) > 0 {
		if policy.ForceRecreate {
			return Action{Kind: ActionRecreate, Reasons: inPlace}
		}
		changed := inPlace
		if runStateDiffers {
			changed = append(changed, FieldRunState)
		}
		return Action{Kind: ActionUpdate, Changed: changed}
	}

	if runStateDiffers {
		if desired.State == spec.StateRunning {
			return Action{Kind: ActionStart}
		}
		return Action{Kind: ActionStop}
	}
	return Action{Kind: ActionNoOp}
}

// changedFields splits the differing fields into those that need a new
// container and those the engine can change live. Both lists are in Field
// order.
func changedFields(desired, observed NormalizedSpec) (replace, inPlace []Field) {
	differs := []struct {
		field Field
		ok    bool
	}{
		{FieldImage, imageDiffers(desired, observed)},
		{FieldCommand, !slices.Equal(desired.Command, observed.Command)},
		{FieldEnv, !slices.Equal(desired.Env, observed.Env)},
		{FieldPorts, !slices.Equal(desired.Ports, observed.Ports)},
		{FieldVolumes, !slices.Equal(desired.Volumes, observed.Volumes)},
		{FieldNetworks, !slices.Equal(desired.Networks, observed.Networks)},
		{FieldLabels, !maps.Equal(desired.Labels, observed.Labels)},
		{FieldRestartPolicy, desired.RestartPolicy != observed.RestartPolicy},
		{FieldResources, desired.Resources != observed.Resources},
	}
	for _, d := range differs {
		switch {
		case !d.ok:
		case d.field.InPlace():
			inPlace = append(inPlace, d.field)
		default:
			replace = append(replace, d.field)
		}
	}
	return replace, inPlace
}

// imageDiffers compares content digests when both sides have one and falls
// back to the canonical reference otherwise.
func imageDiffers(desired, observed NormalizedSpec) bool {
	if desired.ImageDigest != "" && observed.ImageDigest != "" {
		return desired.ImageDigest != observed.ImageDigest
	}
	return desired.Image != observed.Image
}
