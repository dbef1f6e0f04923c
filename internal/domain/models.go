package domain

import "strings"

// Correction is the fixed geometric correction applied to the inference
// backend's output so it matches the 3D model's UV orientation. The backend
// always renders with the vehicle nose pointing down; the correction is a
// property of the model family, not of the request.
type Correction struct {
	RotationDegrees int
	OutputWidth     int
	OutputHeight    int
}

// VehicleModel describes one supported vehicle model family.
type VehicleModel struct {
	Slug        string
	Name        string
	NameEN      string
	MaskPath    string
	AspectRatio string
	Correction  Correction
}

// vehicleModels is the source of truth for the supported model set. Slugs
// match the production catalog.
var vehicleModels = []VehicleModel{
	{
		Slug:        "cybertruck",
		Name:        "Cybertruck",
		NameEN:      "Cybertruck",
		MaskPath:    "masks/cybertruck.png",
		AspectRatio: "4:3",
		// Wide-body family: nose ends up pointing left after a 90° turn.
		Correction: Correction{RotationDegrees: 90, OutputWidth: 1024, OutputHeight: 768},
	},
	{
		Slug:        "model-3",
		Name:        "Model 3 (Classic)",
		NameEN:      "Model 3 (Classic)",
		MaskPath:    "masks/model-3.png",
		AspectRatio: "1:1",
		Correction:  Correction{RotationDegrees: 180, OutputWidth: 1024, OutputHeight: 1024},
	},
	{
		Slug:        "model-3-2024-plus",
		Name:        "Model 3 (2024+)",
		NameEN:      "Model 3 (2024+)",
		MaskPath:    "masks/model-3-2024-plus.png",
		AspectRatio: "1:1",
		Correction:  Correction{RotationDegrees: 180, OutputWidth: 1024, OutputHeight: 1024},
	},
	{
		Slug:        "model-y-pre-2025",
		Name:        "Model Y (Classic)",
		NameEN:      "Model Y (Classic)",
		MaskPath:    "masks/model-y-pre-2025.png",
		AspectRatio: "1:1",
		Correction:  Correction{RotationDegrees: 180, OutputWidth: 1024, OutputHeight: 1024},
	},
	{
		Slug:        "model-y-2025-plus",
		Name:        "Model Y (2025+)",
		NameEN:      "Model Y (2025+)",
		MaskPath:    "masks/model-y-2025-plus.png",
		AspectRatio: "1:1",
		Correction:  Correction{RotationDegrees: 180, OutputWidth: 1024, OutputHeight: 1024},
	},
}

// ModelBySlug returns the model for a normalized slug. Callers must treat a
// false return as a validation failure before any ledger interaction.
func ModelBySlug(slug string) (VehicleModel, bool) {
	normalized := strings.ToLower(strings.TrimSpace(slug))
	for _, m := range vehicleModels {
		if m.Slug == normalized {
			return m, true
		}
	}
	return VehicleModel{}, false
}

// Models returns the full supported model set.
func Models() []VehicleModel {
	out := make([]VehicleModel, len(vehicleModels))
	copy(out, vehicleModels)
	return out
}

// CorrectionFor returns the orientation correction for a supported slug. It
// is total over the catalog: validation rejects unknown slugs before any code
// path reaches this function, so the boolean mirrors ModelBySlug.
func CorrectionFor(slug string) (Correction, bool) {
	m, ok := ModelBySlug(slug)
	if !ok {
		return Correction{}, false
	}
	return m.Correction, true
}
