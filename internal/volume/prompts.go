package volume

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelpipe/internal/pipeline"
)

// promptSchema is validated once at the producer/consumer boundary so that
// downstream code can rely on the shape instead of duck-typing its way in.
var promptSchema = jsonschema.MustCompileString("prompts.json", `{
    "type": "object",
    "properties": {
        "instance_label": {"type": "integer", "minimum": 0}
    },
    "patternProperties": {
        "^[0-9]+$": {"type": "string", "minLength": 1}
    },
    "additionalProperties": false
}`)

// PromptMap carries the per-label text prompts plus the designated
// background label identifier.
type PromptMap struct {
	Labels        map[string]string
	InstanceLabel int
}

// NewPromptMap builds a single-label prompt map around one prompt text.
func NewPromptMap(prompt string) *PromptMap {
	labels := map[string]string{}
	if prompt != "" {
		labels["1"] = prompt
	}
	return &PromptMap{Labels: labels, InstanceLabel: 0}
}

// Prompt returns the text for a numeric label id, or empty.
func (p *PromptMap) Prompt(id int) string {
	if p == nil {
		return ""
	}
	return p.Labels[strconv.Itoa(id)]
}

// LabelIDs returns the numeric label ids in ascending order.
func (p *PromptMap) LabelIDs() []int {
	ids := make([]int, 0, len(p.Labels))
	for key := range p.Labels {
		if id, err := strconv.Atoi(key); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// MarshalJSON encodes the map in its wire form: digit keys mapped to prompt
// text plus an integer "instance_label".
func (p *PromptMap) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(p.Labels)+1)
	for key, text := range p.Labels {
		flat[key] = text
	}
	flat["instance_label"] = p.InstanceLabel
	return json.Marshal(flat)
}

// UnmarshalJSON decodes the wire form without validation; use ParsePrompts at
// trust boundaries.
func (p *PromptMap) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	p.Labels = make(map[string]string, len(flat))
	p.InstanceLabel = 0
	for key, raw := range flat {
		if key == "instance_label" {
			var id int
			if err := json.Unmarshal(raw, &id); err != nil {
				return err
			}
			p.InstanceLabel = id
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		p.Labels[key] = text
	}
	return nil
}

// ParsePrompts validates and decodes a prompt map payload. A single-element
// array wrapper around the object is unwrapped first; producers that ship the
// map as a one-element container are common enough to tolerate.
func ParsePrompts(data []byte) (*PromptMap, error) {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, pipeline.NewSchema("prompt map is not valid JSON: %v", err)
	}
	if wrapper, ok := decoded.([]any); ok && len(wrapper) == 1 {
		decoded = wrapper[0]
		reencoded, err := json.Marshal(decoded)
		if err != nil {
			return nil, pipeline.NewSchema("prompt map re-encode failed: %v", err)
		}
		data = reencoded
	}
	if err := promptSchema.Validate(decoded); err != nil {
		return nil, pipeline.NewSchema("prompt map rejected by schema: %v", err)
	}
	prompts := &PromptMap{}
	if err := json.Unmarshal(data, prompts); err != nil {
		return nil, pipeline.NewSchema("prompt map decode failed: %v", err)
	}
	return prompts, nil
}
