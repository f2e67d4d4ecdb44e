package manifest

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Default filename of the build plan within a build context.
const DefaultFilename = "strata.toml"

// An ordered build plan.
type Plan struct {
	Steps []Step `toml:"steps"`
}

// Reads and validates a plan from a TOML file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanNotFound, err)
	}
	return Parse(data)
}

// Decodes and validates a plan from TOML bytes.
//
// Unknown fields are rejected so that a misspelled step variant fails the
// build instead of silently becoming a no-op.
func Parse(data []byte) (*Plan, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var plan Plan
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	return &plan, nil
}

// Checks structural rules that every plan must satisfy.
//
// A plan must start with a single base-image step, declare at most one
// exposed port and at most one entrypoint, and every step must carry exactly
// one variant. Step order is otherwise preserved exactly as declared.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}

	var exposes, entrypoints int

	for i, step := range p.Steps {
		kind, err := step.Kind()
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}

		switch kind {
		case KindFrom:
			if i != 0 {
				return fmt.Errorf("%w: step %d: base image must be the first step", ErrInvalidPlan, i+1)
			}
		case KindExpose:
			exposes++
			if step.Expose < 1 || step.Expose > 65535 {
				return fmt.Errorf("%w: step %d: port %d out of range", ErrInvalidPlan, i+1, step.Expose)
			}
		case KindEntrypoint:
			entrypoints++
		}
	}

	if first, _ := p.Steps[0].Kind(); first != KindFrom {
		return fmt.Errorf("%w: first step must declare the base image", ErrInvalidPlan)
	}
	if exposes > 1 {
		return fmt.Errorf("%w: multiple exposed ports declared", ErrInvalidPlan)
	}
	if entrypoints > 1 {
		return fmt.Errorf("%w: multiple entrypoints declared", ErrInvalidPlan)
	}

	return nil
}

// Returns the base image reference declared by the first step.
func (p *Plan) Base() string {
	return p.Steps[0].From
}

// Returns the declared listening port, or 0 when none is declared.
func (p *Plan) ExposedPort() int {
	for _, step := range p.Steps {
		if step.Expose != 0 {
			return step.Expose
		}
	}
	return 0
}

// Returns the declared entrypoint, or nil when none is declared.
func (p *Plan) Entrypoint() []string {
	for _, step := range p.Steps {
		if len(step.Entrypoint) > 0 {
			return step.Entrypoint
		}
	}
	return nil
}
