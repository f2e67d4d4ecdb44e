package manifest

import "fmt"

// Identifies which variant a step carries.
type Kind string

const (
	KindFrom       Kind = "from"       // Base image reference or OCI archive path.
	KindPackages   Kind = "packages"   // System package install.
	KindCopy       Kind = "copy"       // File copy from the build context.
	KindRun        Kind = "run"        // Shell command.
	KindWorkdir    Kind = "workdir"    // Working directory for subsequent steps.
	KindExpose     Kind = "expose"     // Declared listening port.
	KindEntrypoint Kind = "entrypoint" // Foreground command of the final image.
)

// One ordered unit of work in a build plan.
//
// Exactly one field must be set. The zero step is invalid.
type Step struct {
	From       string   `toml:"from,omitempty"`
	Packages   []string `toml:"packages,omitempty"`
	Copy       string   `toml:"copy,omitempty"`
	Run        string   `toml:"run,omitempty"`
	Workdir    string   `toml:"workdir,omitempty"`
	Expose     int      `toml:"expose,omitempty"`
	Entrypoint []string `toml:"entrypoint,omitempty"`
}

// Returns the variant this step carries.
//
// Returns an error when the step sets no field or more than one field.
func (s Step) Kind() (Kind, error) {
	var kinds []Kind

	if s.From != "" {
		kinds = append(kinds, KindFrom)
	}
	if len(s.Packages) > 0 {
		kinds = append(kinds, KindPackages)
	}
	if s.Copy != "" {
		kinds = append(kinds, KindCopy)
	}
	if s.Run != "" {
		kinds = append(kinds, KindRun)
	}
	if s.Workdir != "" {
		kinds = append(kinds, KindWorkdir)
	}
	if s.Expose != 0 {
		kinds = append(kinds, KindExpose)
	}
	if len(s.Entrypoint) > 0 {
		kinds = append(kinds, KindEntrypoint)
	}

	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("%w: step sets no field", ErrInvalidStep)
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("%w: step sets %d fields (%v), want exactly one", ErrInvalidStep, len(kinds), kinds)
	}
}

// Whether the step changes the container filesystem.
//
// Filesystem steps produce a layer; the rest only mutate image metadata.
func (k Kind) Mutating() bool {
	switch k {
	case KindPackages, KindCopy, KindRun:
		return true
	default:
		return false
	}
}
