package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// maxListingEntries bounds the directory listing fed to the planner.
const maxListingEntries = 50

// readmeNames are tried in order; the first that exists wins.
var readmeNames = []string{"README.md", "readme.md", "README", "readme", "README.rst", "README.txt"}

// manifestTable maps dependency manifests to the ecosystem they indicate.
var manifestTable = []struct {
	file      string
	ecosystem string
}{
	{"requirements.txt", "python"},
	{"Pipfile", "python"},
	{"pyproject.toml", "python"},
	{"setup.py", "python"},
	{"package.json", "node"},
	{"Cargo.toml", "rust"},
	{"go.mod", "go"},
	{"CMakeLists.txt", "cpp"},
	{"Makefile", "make"},
	{"Gemfile", "ruby"},
	{"pom.xml", "java"},
	{"build.gradle", "java"},
}

// Analysis is the repository context handed to the planner.
type Analysis struct {
	Readme     string
	Listing    []string        // Top-level entries, bounded, sorted.
	Manifests  []string        // Manifest filenames found at the root.
	Ecosystems map[string]bool // Ecosystems the manifests indicate.
}

// Analyze inspects a clone directory. Missing README is not an error — some
// repositories simply have none, and the planner still gets the listing.
func Analyze(dir string) (*Analysis, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading repository dir %s: %w", dir, err)
	}

	a := &Analysis{Ecosystems: make(map[string]bool)}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
		if len(a.Listing) < maxListingEntries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			a.Listing = append(a.Listing, name)
		}
	}
	sort.Strings(a.Listing)

	for _, candidate := range readmeNames {
		if !names[candidate] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, candidate))
		if err != nil {
			continue
		}
		a.Readme = string(data)
		break
	}

	for _, m := range manifestTable {
		if names[m.file] {
			a.Manifests = append(a.Manifests, m.file)
			a.Ecosystems[m.ecosystem] = true
		}
	}

	return a, nil
}
