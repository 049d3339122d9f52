// Package stages implements the seven pipeline stage workers. Each worker
// turns the submission plus prior stage outputs into its own output shape,
// validates both sides of the contract, and can produce a degraded fallback
// when its retry budget is exhausted.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/comicgen/comicd/pkg/models"
)

// Input is everything a worker sees for one attempt. Prior holds the current
// output per completed stage, as marked by the session's version log.
type Input struct {
	SessionID     string
	Submission    string
	Options       models.SubmissionOptions
	Prior         map[int]json.RawMessage
	Modifications []models.ModificationDescriptor
	Attempt       int
}

// Fingerprint is the content identity of the attempt's input: submission,
// consumed prior stages, and accepted modifications. Identical inputs yield
// identical fingerprints regardless of map order.
func (in *Input) Fingerprint() string {
	h := xxhash.New()
	h.WriteString(in.Submission)

	stages := make([]int, 0, len(in.Prior))
	for s := range in.Prior {
		stages = append(stages, s)
	}
	sort.Ints(stages)
	for _, s := range stages {
		fmt.Fprintf(h, "|%d:", s)
		h.Write(in.Prior[s])
	}
	for _, m := range in.Modifications {
		fmt.Fprintf(h, "|mod:%s:%s:%s:%.2f:%s", m.Type, m.Target, m.Direction, m.Intensity, m.Addition)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Progress reports partial completion to the live bus.
type Progress func(percent int, detail string)

// Worker is one pipeline stage.
type Worker interface {
	// Stage returns the worker's 1-based index.
	Stage() int

	// Name returns the canonical stage name.
	Name() string

	// ValidateInput checks that required prior outputs are present and
	// well-formed. Returns an invalid-input error otherwise.
	ValidateInput(in *Input) error

	// Execute runs one attempt. The context carries the stage budget.
	Execute(ctx context.Context, in *Input, progress Progress) (json.RawMessage, error)

	// Fallback produces the degraded output used when the retry budget is
	// exhausted on a non-critical stage. Must not call the backends.
	Fallback(in *Input) (json.RawMessage, error)
}

// requirePrior fetches and decodes a required prior stage output.
func requirePrior(in *Input, stage int, out any) error {
	raw, ok := in.Prior[stage]
	if !ok {
		return models.NewStageError(models.ErrKindInvalidInput, stage,
			fmt.Sprintf("missing prior output for stage %d (%s)", stage, models.StageName(stage)), nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.NewStageError(models.ErrKindInvalidInput, stage,
			fmt.Sprintf("malformed prior output for stage %d", stage), err)
	}
	return nil
}
