package version

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/comicgen/comicd/pkg/models"
)

// FieldChange records one field whose value differs between two versions.
type FieldChange struct {
	Field string `json:"field"`
	A     any    `json:"a"`
	B     any    `json:"b"`
}

// PanelDiff compares one panel's image between two scene payloads.
type PanelDiff struct {
	PanelID       string `json:"panel_id"`
	InA           bool   `json:"in_a"`
	InB           bool   `json:"in_b"`
	PromptChanged bool   `json:"prompt_changed,omitempty"`
	HashA         string `json:"hash_a,omitempty"`
	HashB         string `json:"hash_b,omitempty"`
	Identical     bool   `json:"identical"`
}

// ChangeSet is the structural comparison of two versions' outputs. Textual
// payloads yield field-level diffs; image payloads yield per-panel
// comparisons; composite payloads yield both.
type ChangeSet struct {
	VersionA   string        `json:"version_a"`
	VersionB   string        `json:"version_b"`
	Added      []string      `json:"added,omitempty"`
	Removed    []string      `json:"removed,omitempty"`
	Changed    []FieldChange `json:"changed,omitempty"`
	Panels     []PanelDiff   `json:"panels,omitempty"`
	Similarity float64       `json:"similarity"` // [0,1]
}

// Diff structurally compares two versions of this log.
func (l *Log) Diff(aID, bID string) (*ChangeSet, error) {
	a, err := l.Get(aID)
	if err != nil {
		return nil, err
	}
	b, err := l.Get(bID)
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{VersionA: aID, VersionB: bID}

	var rawA, rawB json.RawMessage
	if a.Result != nil {
		rawA = a.Result.Output
	}
	if b.Result != nil {
		rawB = b.Result.Output
	}

	fieldsA := flatten(rawA)
	fieldsB := flatten(rawB)

	keys := make(map[string]bool, len(fieldsA)+len(fieldsB))
	for k := range fieldsA {
		keys[k] = true
	}
	for k := range fieldsB {
		keys[k] = true
	}

	matching := 0
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, k := range ordered {
		va, inA := fieldsA[k]
		vb, inB := fieldsB[k]
		switch {
		case inA && !inB:
			cs.Removed = append(cs.Removed, k)
		case !inA && inB:
			cs.Added = append(cs.Added, k)
		case reflect.DeepEqual(va, vb):
			matching++
		default:
			cs.Changed = append(cs.Changed, FieldChange{Field: k, A: va, B: vb})
		}
	}

	if len(keys) > 0 {
		cs.Similarity = float64(matching) / float64(len(keys))
	} else {
		cs.Similarity = 1.0
	}

	// Per-panel comparison when either side carries scene images.
	panelsA := sceneImages(rawA)
	panelsB := sceneImages(rawB)
	if len(panelsA) > 0 || len(panelsB) > 0 {
		cs.Panels = diffPanels(panelsA, panelsB)
	}

	return cs, nil
}

// flatten converts a JSON payload into dotted-path → leaf value.
func flatten(raw json.RawMessage) map[string]any {
	out := make(map[string]any)
	if len(raw) == 0 {
		return out
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		out["raw"] = string(raw)
		return out
	}
	flattenInto(out, "", v)
	return out
}

func flattenInto(out map[string]any, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenInto(out, p, child)
		}
	case []any:
		for i, child := range val {
			flattenInto(out, fmt.Sprintf("%s[%d]", prefix, i), child)
		}
	default:
		out[prefix] = v
	}
}

// sceneImages extracts panel images when the payload parses as a stage 5
// output.
func sceneImages(raw json.RawMessage) map[string]models.SceneImage {
	if len(raw) == 0 {
		return nil
	}
	var scenes models.ScenesOutput
	if err := json.Unmarshal(raw, &scenes); err != nil || len(scenes.Images) == 0 {
		return nil
	}
	out := make(map[string]models.SceneImage, len(scenes.Images))
	for _, img := range scenes.Images {
		if img.PanelID != "" {
			out[img.PanelID] = img
		}
	}
	return out
}

func diffPanels(a, b map[string]models.SceneImage) []PanelDiff {
	ids := make(map[string]bool, len(a)+len(b))
	for id := range a {
		ids[id] = true
	}
	for id := range b {
		ids[id] = true
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	out := make([]PanelDiff, 0, len(ordered))
	for _, id := range ordered {
		imgA, inA := a[id]
		imgB, inB := b[id]
		pd := PanelDiff{PanelID: id, InA: inA, InB: inB}
		if inA {
			pd.HashA = imageHash(imgA)
		}
		if inB {
			pd.HashB = imageHash(imgB)
		}
		if inA && inB {
			pd.PromptChanged = imgA.Prompt != imgB.Prompt
			pd.Identical = pd.HashA == pd.HashB && !pd.PromptChanged
		}
		out = append(out, pd)
	}
	return out
}

// imageHash is the byte-hash identity of a panel image: content bytes when
// inline, URL otherwise.
func imageHash(img models.SceneImage) string {
	h := sha256.New()
	if len(img.Bytes) > 0 {
		h.Write(img.Bytes)
	} else {
		h.Write([]byte(img.URL))
	}
	return hex.EncodeToString(h.Sum(nil))
}
