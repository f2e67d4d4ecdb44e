package build

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCopy(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		workdir string
		pattern string
		dest    string
		wantErr bool
	}{
		{
			name:    "absolute dest",
			input:   "requirements.txt /app/requirements.txt",
			pattern: "requirements.txt",
			dest:    "/app/requirements.txt",
		},
		{
			name:    "relative dest joins workdir",
			input:   "config.toml etc/config.toml",
			workdir: "/srv",
			pattern: "config.toml",
			dest:    "/srv/etc/config.toml",
		},
		{
			name:    "context dot",
			input:   ". /app",
			pattern: ".",
			dest:    "/app",
		},
		{
			name:    "relative dest without workdir",
			input:   "a.txt b.txt",
			wantErr: true,
		},
		{
			name:    "missing dest",
			input:   "onlyonefield",
			wantErr: true,
		},
		{
			name:    "too many fields",
			input:   "a b c",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern, dest, err := parseCopy(tt.input, tt.workdir)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got pattern=%q dest=%q", pattern, dest)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if pattern != tt.pattern || dest != tt.dest {
				t.Errorf("got (%q, %q), want (%q, %q)", pattern, dest, tt.pattern, tt.dest)
			}
		})
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolveSources(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"requirements.txt": "fastapi\n",
		"app/main.py":      "app = ...\n",
		"app/util.py":      "pass\n",
	})

	t.Run("dot is the context itself", func(t *testing.T) {
		got, err := resolveSources(dir, ".")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{dir}, got); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("glob matches sorted", func(t *testing.T) {
		got, err := resolveSources(dir, "app/*.py")
		if err != nil {
			t.Fatal(err)
		}
		want := []string{
			filepath.Join(dir, "app", "main.py"),
			filepath.Join(dir, "app", "util.py"),
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("no match is an error", func(t *testing.T) {
		if _, err := resolveSources(dir, "*.lock"); err == nil {
			t.Error("expected error for unmatched pattern")
		}
	})
}

func TestSourceDigestDeterministic(t *testing.T) {
	files := map[string]string{
		"requirements.txt": "fastapi\nuvicorn\n",
		"app/main.py":      "app = ...\n",
	}

	a := t.TempDir()
	writeTree(t, a, files)
	b := t.TempDir()
	writeTree(t, b, files)

	da, err := sourceDigest(a, []string{a})
	if err != nil {
		t.Fatal(err)
	}
	db, err := sourceDigest(b, []string{b})
	if err != nil {
		t.Fatal(err)
	}

	if da != db {
		t.Errorf("identical trees at different roots digest differently: %s vs %s", da, db)
	}
}

func TestSourceDigestSeesContentChange(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"requirements.txt": "fastapi\n"})

	path := filepath.Join(dir, "requirements.txt")
	before, err := sourceDigest(dir, []string{path})
	if err != nil {
		t.Fatal(err)
	}

	writeTree(t, dir, map[string]string{"requirements.txt": "fastapi\npsycopg\n"})
	after, err := sourceDigest(dir, []string{path})
	if err != nil {
		t.Fatal(err)
	}

	if before == after {
		t.Error("digest survived a content change")
	}
}

func TestSourceDigestSeesRename(t *testing.T) {
	a := t.TempDir()
	writeTree(t, a, map[string]string{"app/main.py": "x"})
	b := t.TempDir()
	writeTree(t, b, map[string]string{"app/primary.py": "x"})

	da, err := sourceDigest(a, []string{a})
	if err != nil {
		t.Fatal(err)
	}
	db, err := sourceDigest(b, []string{b})
	if err != nil {
		t.Fatal(err)
	}

	if da == db {
		t.Error("digest survived a file rename")
	}
}

func TestPackagesCommand(t *testing.T) {
	got := packagesCommand([]string{"libpq-dev", "curl"})

	if !strings.Contains(got, "apt-get install -y --no-install-recommends libpq-dev curl") {
		t.Errorf("install clause missing: %q", got)
	}
	if !strings.Contains(got, "rm -rf /var/lib/apt/lists/*") {
		t.Errorf("index cleanup missing: %q", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := tail("0123456789", 4); got != "...6789" {
		t.Errorf("got %q", got)
	}
}
