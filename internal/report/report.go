package report

import "strings"

const (
	DefaultTitle   = "Untitled Analysis"
	DefaultSummary = "No summary provided."
	DefaultCost    = "Unknown"

	PlateUnknown    = "Unknown"
	PlateNotVisible = "Not Visible"

	// BoxScale is the side length of the normalized coordinate space used by bounding boxes.
	BoxScale = 1000.0
)

type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Severities lists the closed severity set in triage order, least severe first.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities for triage; unknown values rank below Low.
func (s Severity) Rank() int {
	for i, candidate := range Severities {
		if candidate == s {
			return i + 1
		}
	}
	return 0
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity matches case-insensitively against the closed set.
func ParseSeverity(input string) (Severity, bool) {
	trimmed := strings.TrimSpace(input)
	for _, candidate := range Severities {
		if strings.EqualFold(string(candidate), trimmed) {
			return candidate, true
		}
	}
	return SeverityLow, false
}

type VehicleDetails struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         string `json:"year"`
	LicensePlate string `json:"licensePlate"`
	Color        string `json:"color"`
}

// BoundingBox is [yMin, xMin, yMax, xMax] on the 0-1000 scale of the first evidence image.
type BoundingBox [4]float64

// Region is a bounding box expressed as percentages of the reference image.
type Region struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Height float64 `json:"height"`
	Width  float64 `json:"width"`
}

func (b BoundingBox) Region() Region {
	yMin, xMin, yMax, xMax := b[0], b[1], b[2], b[3]
	return Region{
		Top:    yMin / 10,
		Left:   xMin / 10,
		Height: (yMax - yMin) / 10,
		Width:  (xMax - xMin) / 10,
	}
}

type DamageItem struct {
	PartName          string       `json:"partName"`
	DamageType        string       `json:"damageType"`
	Severity          Severity     `json:"severity"`
	Description       string       `json:"description"`
	RecommendedAction string       `json:"recommendedAction"`
	BoundingBox       *BoundingBox `json:"boundingBox,omitempty"`
}

// Report is the canonical crash analysis. VehiclesInvolved and DamagePoints are never nil
// once sanitized; IdentifiedVehicles is nil when the provider did not supply it.
type Report struct {
	Title                    string           `json:"title"`
	Summary                  string           `json:"summary"`
	VehiclesInvolved         []string         `json:"vehiclesInvolved"`
	IdentifiedVehicles       []VehicleDetails `json:"identifiedVehicles,omitzero"`
	EstimatedRepairCostRange string           `json:"estimatedRepairCostRange"`
	DamagePoints             []DamageItem     `json:"damagePoints"`
}

// Vehicles returns the display list, preferring the richer identified vehicles when present.
func (r Report) Vehicles() []string {
	if r.IdentifiedVehicles == nil {
		return r.VehiclesInvolved
	}
	out := make([]string, 0, len(r.IdentifiedVehicles))
	for _, v := range r.IdentifiedVehicles {
		label := strings.TrimSpace(strings.Join([]string{v.Year, v.Make, v.Model}, " "))
		if v.LicensePlate != "" && v.LicensePlate != PlateUnknown && v.LicensePlate != PlateNotVisible {
			label += " [" + v.LicensePlate + "]"
		}
		out = append(out, label)
	}
	return out
}

// MostSevere returns the highest severity among damage points, or "" when there are none.
func (r Report) MostSevere() Severity {
	var top Severity
	for _, item := range r.DamagePoints {
		if item.Severity.Rank() > top.Rank() {
			top = item.Severity
		}
	}
	return top
}
