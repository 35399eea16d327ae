package applycmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"converge/cmd/converge/ui"
	"converge/internal/converge"
)

func outcomeLine(o converge.Outcome) string {
	switch {
	case o.Skipped:
		return ui.WarnMsg("%s skipped (%s)", ui.Bold(o.Name), o.Kind)
	case !o.Success:
		msg := ui.ErrorMsg("%s %s failed: %s", ui.Bold(o.Name), o.Action.Kind, o.Kind)
		if o.Err != nil {
			msg += " " + ui.Muted(o.Err.Error())
		}
		return msg
	case o.Action.Kind == converge.ActionNoOp:
		return ui.InfoMsg("%s up to date", ui.Bold(o.Name))
	default:
		msg := ui.SuccessMsg("%s %s", ui.Bold(o.Name), o.Action)
		if o.Detail != "" {
			msg += " " + ui.Muted(o.Detail)
		}
		return msg
	}
}

func renderResult(res converge.BatchResult) string {
	if len(res.Outcomes) == 0 {
		return ui.InfoMsg("nothing to converge") + "\n"
	}

	rows := make([][]string, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		kind := ""
		if o.Kind != converge.KindNone {
			kind = o.Kind.String()
		}
		rows = append(rows, []string{o.Name, o.Action.String(), outcomeStatus(o), kind, o.Duration.Round(time.Millisecond).String()})
	}

	var sb strings.Builder
	sb.WriteString(ui.Table([]string{"CONTAINER", "ACTION", "STATUS", "ERROR", "TOOK"}, rows))
	sb.WriteString("\n")
	sb.WriteString(summaryLine(res))
	sb.WriteString("\n")
	return sb.String()
}

func outcomeStatus(o converge.Outcome) string {
	switch {
	case o.Skipped:
		return "skipped"
	case !o.Success:
		return "failed"
	default:
		return "ok"
	}
}

func summaryLine(res converge.BatchResult) string {
	actions, failed, skipped := res.Counts()
	kinds := make([]converge.ActionKind, 0, len(actions))
	for k := range actions {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	parts := make([]string, 0, len(kinds)+2)
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", actions[k], k))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", skipped))
	}

	prefix := "run"
	if res.DryRun {
		prefix = "plan"
	}
	line := fmt.Sprintf("%s %s: %s in %s", prefix, res.RunID, strings.Join(parts, ", "), res.Duration.Round(time.Millisecond))
	switch {
	case res.Halted:
		return ui.ErrorMsg("%s (halted: engine unreachable)", line)
	case res.Canceled:
		return ui.WarnMsg("%s (canceled)", line)
	case !res.Success:
		return ui.ErrorMsg("%s", line)
	default:
		return ui.SuccessMsg("%s", line)
	}
}
