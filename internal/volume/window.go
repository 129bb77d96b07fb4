package volume

import "strings"

// Window is a CT display window: intensities are clipped to
// [level-width/2, level+width/2] and rescaled linearly to [0,255].
type Window struct {
	Width float64
	Level float64
}

// Windows keyed by anatomy keywords matched against a free-text hint.
// Soft tissue is the default when nothing matches.
var (
	softTissueWindow = Window{Width: 400, Level: 40}

	windowTable = []struct {
		keywords []string
		window   Window
	}{
		{[]string{"lung", "pulmonary", "airway", "chest", "thorax"}, Window{Width: 1500, Level: -160}},
		{[]string{"brain", "head", "skull", "cranial", "intracranial"}, Window{Width: 80, Level: 40}},
		{[]string{"bone", "spine", "vertebra", "rib", "femur", "pelvis", "skeletal"}, Window{Width: 1800, Level: 400}},
	}
)

// WindowFor selects a CT window by scanning the hint for anatomy keywords.
func WindowFor(hint string) Window {
	lowered := strings.ToLower(hint)
	for _, row := range windowTable {
		for _, keyword := range row.keywords {
			if strings.Contains(lowered, keyword) {
				return row.window
			}
		}
	}
	return softTissueWindow
}

// Apply clips and rescales intensities to [0,255] in place.
func (w Window) Apply(data []float32) {
	low := w.Level - w.Width/2
	high := w.Level + w.Width/2
	scale := 255 / (high - low)
	for i, v := range data {
		value := float64(v)
		if value < low {
			value = low
		} else if value > high {
			value = high
		}
		data[i] = float32((value - low) * scale)
	}
}
