package manifest

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const validPlan = `
[[steps]]
from = "docker.io/library/python:3.11-slim"

[[steps]]
packages = ["libpq-dev"]

[[steps]]
copy = "requirements.txt /app/requirements.txt"

[[steps]]
run = "pip install --no-cache-dir -r /app/requirements.txt"

[[steps]]
workdir = "/app"

[[steps]]
copy = ". /app"

[[steps]]
expose = 8000

[[steps]]
entrypoint = ["uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000"]
`

func TestParse(t *testing.T) {
	plan, err := Parse([]byte(validPlan))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.Steps) != 8 {
		t.Fatalf("len(Steps) = %d, want 8", len(plan.Steps))
	}
	if plan.Base() != "docker.io/library/python:3.11-slim" {
		t.Errorf("Base() = %q", plan.Base())
	}
	if plan.ExposedPort() != 8000 {
		t.Errorf("ExposedPort() = %d, want 8000", plan.ExposedPort())
	}

	want := []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000"}
	if diff := cmp.Diff(want, plan.Entrypoint()); diff != "" {
		t.Errorf("Entrypoint() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseOrderPreserved(t *testing.T) {
	plan, err := Parse([]byte(validPlan))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []Kind{KindFrom, KindPackages, KindCopy, KindRun, KindWorkdir, KindCopy, KindExpose, KindEntrypoint}
	for i, step := range plan.Steps {
		kind, err := step.Kind()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if kind != want[i] {
			t.Errorf("step %d kind = %q, want %q", i, kind, want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr error
	}{
		{
			name:    "empty plan",
			plan:    Plan{},
			wantErr: ErrInvalidPlan,
		},
		{
			name: "base not first",
			plan: Plan{Steps: []Step{
				{Run: "echo hi"},
				{From: "alpine:3.20"},
			}},
			wantErr: ErrInvalidPlan,
		},
		{
			name: "second base image",
			plan: Plan{Steps: []Step{
				{From: "alpine:3.20"},
				{From: "debian:bookworm"},
			}},
			wantErr: ErrInvalidPlan,
		},
		{
			name: "step with no fields",
			plan: Plan{Steps: []Step{
				{From: "alpine:3.20"},
				{},
			}},
			wantErr: ErrInvalidStep,
		},
		{
			name: "step with two fields",
			plan: Plan{Steps: []Step{
				{From: "alpine:3.20"},
				{Run: "echo hi", Workdir: "/app"},
			}},
			wantErr: ErrInvalidStep,
		},
		{
			name: "port out of range",
			plan: Plan{Steps: []Step{
				{From: "alpine:3.20"},
				{Expose: 70000},
			}},
			wantErr: ErrInvalidPlan,
		},
		{
			name: "duplicate expose",
			plan: Plan{Steps: []Step{
				{From: "alpine:3.20"},
				{Expose: 8000},
				{Expose: 9000},
			}},
			wantErr: ErrInvalidPlan,
		},
		{
			name: "duplicate entrypoint",
			plan: Plan{Steps: []Step{
				{From: "alpine:3.20"},
				{Entrypoint: []string{"a"}},
				{Entrypoint: []string{"b"}},
			}},
			wantErr: ErrInvalidPlan,
		},
		{
			name: "minimal valid plan",
			plan: Plan{Steps: []Step{
				{From: "alpine:3.20"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse([]byte("[[steps]]\nfrom = \"alpine:3.20\"\n\n[[steps]]\nexpse = 8000\n"))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
}

func TestStepKind(t *testing.T) {
	tests := []struct {
		name string
		step Step
		want Kind
	}{
		{"from", Step{From: "alpine:3.20"}, KindFrom},
		{"packages", Step{Packages: []string{"gcc"}}, KindPackages},
		{"copy", Step{Copy: "a b"}, KindCopy},
		{"run", Step{Run: "true"}, KindRun},
		{"workdir", Step{Workdir: "/app"}, KindWorkdir},
		{"expose", Step{Expose: 8000}, KindExpose},
		{"entrypoint", Step{Entrypoint: []string{"sh"}}, KindEntrypoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.step.Kind()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindMutating(t *testing.T) {
	mutating := map[Kind]bool{
		KindFrom:       false,
		KindPackages:   true,
		KindCopy:       true,
		KindRun:        true,
		KindWorkdir:    false,
		KindExpose:     false,
		KindEntrypoint: false,
	}

	for kind, want := range mutating {
		if got := kind.Mutating(); got != want {
			t.Errorf("%q.Mutating() = %v, want %v", kind, got, want)
		}
	}
}
