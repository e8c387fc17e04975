package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

// BudgetWarnThreshold is the utilization at which a budget counts as near its limit.
const BudgetWarnThreshold = 0.8

// Summarize renders a one-line, human readable description of where data
// comes from and what the snapshot holds.
func Summarize(st ConnectionStatus, snap *types.DashboardSnapshot, now time.Time) string {
	var parts []string
	switch {
	case st.LiveConnected && !st.UsingSynthetic:
		parts = append(parts, "live data")
	case st.LiveConnected:
		parts = append(parts, "synthetic data (live gateway connected)")
	default:
		parts = append(parts, "synthetic data (live gateway unavailable)")
	}

	if snap == nil {
		parts = append(parts, "no snapshot loaded")
		return strings.Join(parts, ", ")
	}

	parts = append(parts, humanize.Comma(snap.Tokens.Total)+" tokens")
	if snap.Costs.Total > 0 {
		parts = append(parts, fmt.Sprintf("%s %s spent", humanize.FormatFloat("#,###.##", snap.Costs.Total), currency(snap)))
	}
	if snap.Models.Selected != "" {
		parts = append(parts, "model "+snap.Models.Selected)
	}
	if near := budgetsNearLimit(snap); len(near) > 0 {
		parts = append(parts, fmt.Sprintf("%d %s near limit (%s)",
			len(near), plural(len(near), "budget", "budgets"), strings.Join(near, ", ")))
	}
	if !snap.GeneratedAt.IsZero() {
		parts = append(parts, "updated "+humanize.RelTime(snap.GeneratedAt, now, "ago", "from now"))
	}
	return strings.Join(parts, ", ")
}

func budgetsNearLimit(snap *types.DashboardSnapshot) []string {
	var near []string
	for category, b := range snap.Tokens.Budgets {
		if b.Utilization() >= BudgetWarnThreshold {
			near = append(near, category)
		}
	}
	sort.Strings(near)
	return near
}

func currency(snap *types.DashboardSnapshot) string {
	if snap.Costs.Currency == "" {
		return "USD"
	}
	return snap.Costs.Currency
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
