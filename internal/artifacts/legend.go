package artifacts

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"voxelpipe/internal/volume"
)

// LegendEntry describes one segmented structure in the mask.
type LegendEntry struct {
	ID         int     `json:"id"`
	Label      string  `json:"label"`
	Prompt     string  `json:"prompt"`
	VoxelCount int     `json:"voxel_count"`
	Fraction   float64 `json:"fraction"`
	Color      string  `json:"color"`
}

// Deterministic palette; an id always maps to the same color.
var legendPalette = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
}

// Prompt texts usually read like sentences; these prefixes are stripped to
// get a short display label.
var promptPrefixes = []string{
	"a segmentation of ",
	"segmentation of ",
	"an image of ",
	"a ct scan of ",
	"a computed tomography of ",
	"an mri of ",
}

var promptArticles = []string{"the ", "an ", "a "}

// BuildLegend computes the per-label voxel statistics for a mask. The
// background label is excluded and entries come back sorted by voxel count
// descending, ties broken by id.
func BuildLegend(mask []float32, prompts *volume.PromptMap) []LegendEntry {
	background := 0
	if prompts != nil {
		background = prompts.InstanceLabel
	}

	counts := map[int]int{}
	for _, v := range mask {
		// Result masks sometimes arrive as floats; near-integer values are
		// rounded back to their label.
		label := int(math.Round(float64(v)))
		if math.Abs(float64(v)-float64(label)) > 0.01 {
			continue
		}
		counts[label]++
	}
	total := len(mask)
	delete(counts, background)

	entries := make([]LegendEntry, 0, len(counts))
	for id, count := range counts {
		prompt := prompts.Prompt(id)
		entries = append(entries, LegendEntry{
			ID:         id,
			Label:      shortLabel(prompt, id),
			Prompt:     prompt,
			VoxelCount: count,
			Fraction:   float64(count) / float64(total),
			Color:      legendPalette[((id%len(legendPalette))+len(legendPalette))%len(legendPalette)],
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].VoxelCount != entries[j].VoxelCount {
			return entries[i].VoxelCount > entries[j].VoxelCount
		}
		return entries[i].ID < entries[j].ID
	})
	return entries
}

// shortLabel derives a display name from a prompt by stripping the sentence
// prefix and any trailing qualifying clause.
func shortLabel(prompt string, id int) string {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return "Label " + strconv.Itoa(id)
	}
	lowered := strings.ToLower(text)
	for _, prefix := range promptPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			text = text[len(prefix):]
			break
		}
	}
	for _, article := range promptArticles {
		if strings.HasPrefix(strings.ToLower(text), article) {
			text = text[len(article):]
			break
		}
	}
	for _, cut := range []string{",", ";", " with ", " in ", " on "} {
		if idx := strings.Index(strings.ToLower(text), cut); idx > 0 {
			text = text[:idx]
		}
	}
	text = strings.TrimSpace(strings.TrimRight(text, "."))
	if text == "" {
		return "Label " + strconv.Itoa(id)
	}
	return text
}
