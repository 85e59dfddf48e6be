package report

import (
	"fmt"
	"strings"
)

// Digest renders the report as the plain-text case file handed to chat models.
func Digest(rep Report) string {
	var b strings.Builder
	b.WriteString("CURRENT CRASH REPORT CONTEXT:\n")
	fmt.Fprintf(&b, "Case: %q\n", rep.Title)
	fmt.Fprintf(&b, "Summary: %s\n", rep.Summary)
	fmt.Fprintf(&b, "Vehicles: %s\n", strings.Join(rep.Vehicles(), ", "))
	fmt.Fprintf(&b, "Est. Cost: %s\n", rep.EstimatedRepairCostRange)
	if worst := rep.MostSevere(); worst != "" {
		fmt.Fprintf(&b, "Most Severe: %s\n", worst)
	}
	b.WriteString("Damage Points:\n")
	for i, item := range rep.DamagePoints {
		fmt.Fprintf(&b, "%d. [%s] %s (%s) - %s -> Action: %s\n",
			i+1, item.Severity, item.PartName, item.DamageType, item.Description, item.RecommendedAction)
	}
	return b.String()
}
