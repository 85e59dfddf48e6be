package report

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Sanitize coerces whatever a provider returned into a structurally valid Report.
// It never fails: unusable input degrades to defaults field by field.
//
// Accepted inputs are decoded JSON objects, raw JSON text ([]byte, string,
// json.RawMessage) and Report values. Anything else is treated as an empty object.
func Sanitize(raw any) Report {
	obj := asObject(raw)

	rep := Report{
		Title:                    textOr(obj["title"], DefaultTitle),
		Summary:                  textOr(obj["summary"], DefaultSummary),
		VehiclesInvolved:         stringList(obj["vehiclesInvolved"]),
		EstimatedRepairCostRange: textOr(obj["estimatedRepairCostRange"], DefaultCost),
		DamagePoints:             damageList(obj["damagePoints"]),
	}
	if items, ok := obj["identifiedVehicles"].([]any); ok {
		rep.IdentifiedVehicles = vehicleList(items)
	}
	return rep
}

func asObject(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case json.RawMessage:
		return decodeObject(v)
	case []byte:
		return decodeObject(v)
	case string:
		return decodeObject([]byte(v))
	case Report:
		return reencode(v)
	case *Report:
		if v == nil {
			return map[string]any{}
		}
		return reencode(*v)
	default:
		return map[string]any{}
	}
}

func decodeObject(data []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func reencode(rep Report) map[string]any {
	data, err := json.Marshal(rep)
	if err != nil {
		return map[string]any{}
	}
	return decodeObject(data)
}

// textOr treats missing, non-string and blank values as absent.
func textOr(value any, fallback string) string {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func stringField(value any) string {
	s, _ := value.(string)
	return s
}

func stringList(value any) []string {
	out := []string{}
	items, ok := value.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func vehicleList(items []any) []VehicleDetails {
	out := make([]VehicleDetails, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, VehicleDetails{
			Make:         stringField(obj["make"]),
			Model:        stringField(obj["model"]),
			Year:         yearField(obj["year"]),
			LicensePlate: stringField(obj["licensePlate"]),
			Color:        stringField(obj["color"]),
		})
	}
	return out
}

// yearField accepts numeric years, which models emit despite the string schema.
func yearField(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func damageList(value any) []DamageItem {
	out := []DamageItem{}
	items, ok := value.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		severity, _ := ParseSeverity(stringField(obj["severity"]))
		out = append(out, DamageItem{
			PartName:          stringField(obj["partName"]),
			DamageType:        stringField(obj["damageType"]),
			Severity:          severity,
			Description:       stringField(obj["description"]),
			RecommendedAction: stringField(obj["recommendedAction"]),
			BoundingBox:       boundingBox(obj["boundingBox"]),
		})
	}
	return out
}

// boundingBox keeps only four finite numbers, clamped to the 0-1000 scale with
// min/max ordered per axis.
func boundingBox(value any) *BoundingBox {
	items, ok := value.([]any)
	if !ok || len(items) != 4 {
		return nil
	}
	var box BoundingBox
	for i, item := range items {
		n, ok := number(item)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil
		}
		box[i] = math.Min(BoxScale, math.Max(0, n))
	}
	if box[0] > box[2] {
		box[0], box[2] = box[2], box[0]
	}
	if box[1] > box[3] {
		box[1], box[3] = box[3], box[1]
	}
	return &box
}

func number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
