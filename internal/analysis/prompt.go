package analysis

import (
	"fmt"
	"strings"

	"crashgenius/internal/llm"
	"crashgenius/internal/report"
)

// BuildInstructions returns the provider-neutral analysis instruction for a request with
// evidenceCount attached files.
func BuildInstructions(lang llm.Language, evidenceCount int) string {
	var b strings.Builder
	b.WriteString("You are an expert independent insurance adjuster and automotive engineer.\n")
	b.WriteString("Analyze the provided evidence (which may include crash photos, PDF police reports, court documents, or insurance statements).\n\n")
	b.WriteString("If an image is provided: identify the vehicles, the specific parts damaged, the severity of impact, and recommend repair actions.\n")
	b.WriteString("If a document is provided: extract the accident details, vehicle information, reported damages, and legal/insurance context.\n\n")

	b.WriteString("Vehicle identification: for every vehicle you can see or that the documents describe, add an entry to 'identifiedVehicles' with make, model, year (a range such as \"2018-2020\" is acceptable), color and license plate. ")
	fmt.Fprintf(&b, "Read the license plate characters exactly as shown. Use %q when the plate exists but cannot be read and %q when no plate is in view.\n\n", report.PlateUnknown, report.PlateNotVisible)

	switch {
	case evidenceCount == 0:
		b.WriteString("No files are attached. Base the analysis on the written context only and do not return bounding boxes.\n\n")
	case evidenceCount == 1:
		fmt.Fprintf(&b, "Damage localisation: for each damage point visible in the image, return 'boundingBox' as [ymin, xmin, ymax, xmax] normalised to 0-%g. Omit the box when the damage is not visible.\n\n", report.BoxScale)
	default:
		fmt.Fprintf(&b, "You are given %d evidence items. Damage localisation: bounding boxes must refer to the FIRST item only, as [ymin, xmin, ymax, xmax] normalised to 0-%g. Omit the box for damage that is not visible in the first item.\n\n", evidenceCount, report.BoxScale)
	}

	b.WriteString("Estimate the repair cost range based on standard US/EU labor rates (unless context suggests otherwise).\n\n")

	fmt.Fprintf(&b, "IMPORTANT: Generate the response content (titles, summaries, descriptions) in %s.\n", lang.Name())
	b.WriteString("However, you MUST keep the JSON property keys (like 'damagePoints', 'partName', 'severity') exactly as specified in the schema in English.\n")
	severities := make([]string, 0, len(report.Severities))
	for _, s := range report.Severities {
		severities = append(severities, fmt.Sprintf("%q", string(s)))
	}
	fmt.Fprintf(&b, "The 'severity' value must be one of: %s.\n", strings.Join(severities, ", "))
	return b.String()
}
