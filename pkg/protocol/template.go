// Package protocol owns the scale protocol template catalog and discovery
// algorithm (spec.md §4.4). Template authoring is out of scope per spec.md
// §1; this package ships the built-in catalog entries needed to make
// discovery testable end-to-end (scenario S5) and lets callers append
// user-defined templates.
package protocol

import v1 "github.com/fieldgate/acqengine/api/v1"

// Built-in template IDs.
const (
	TemplateMettlerToledo = "mettler_toledo"
	TemplateSartorius     = "sartorius"
	TemplateGeneric       = "generic_numeric"
)

// BuiltinCatalog returns the default template catalog in discovery order.
func BuiltinCatalog() []v1.ProtocolTemplate {
	return []v1.ProtocolTemplate{
		{
			ID:               TemplateMettlerToledo,
			Commands:         [][]byte{[]byte("SI")},
			ResponsePatterns: []string{`(?i)^S\s+[SD]\s+`},
			WeightPattern:    `(?i)[SD]\s+([+-]?\d+\.?\d*)\s*(kg|g|lb)`,
			Unit:             "kg",
			StableMarker:     "S S",
			MotionMarkers:    []string{"S D"},
		},
		{
			ID:               TemplateSartorius,
			Commands:         [][]byte{[]byte("P")},
			ResponsePatterns: []string{`(?i)^\s*[+-]?\d+\.?\d*\s*(kg|g)\s*$`},
			WeightPattern:    `(?i)([+-]?\d+\.?\d*)\s*(kg|g)`,
			Unit:             "kg",
			StableMarker:     "",
			MotionMarkers:    []string{"?"},
		},
		{
			ID:               TemplateGeneric,
			Commands:         [][]byte{[]byte("W")},
			ResponsePatterns: []string{`[+-]?\d+\.?\d*`},
			WeightPattern:    `([+-]?\d+\.?\d*)`,
			Unit:             "kg",
		},
	}
}
