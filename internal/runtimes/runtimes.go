// Package runtimes holds the fixed set of pre-approved language runtimes a
// bot may run on. Adding a runtime is a data change in Default; nothing else
// in the module branches on the runtime identifier.
package runtimes

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrUnknownRuntime is returned for identifiers not in the registry.
var ErrUnknownRuntime = errors.New("unsupported runtime")

// Descriptor is the static configuration of one runtime.
type Descriptor struct {
	ID    string `json:"id"`
	Image string `json:"image"`

	// BuildCmd runs once, before the first start, when BuildManifest is
	// present in the bot's source. Empty means no build step.
	BuildCmd      string `json:"build_cmd,omitempty"`
	BuildManifest string `json:"build_manifest,omitempty"`

	DefaultStartCmd   string   `json:"default_start_cmd"`
	AllowedExtensions []string `json:"allowed_extensions"`
	WorkDir           string   `json:"work_dir"`

	// Env is passed to both build and bot containers.
	Env []string `json:"-"`
}

// Allows reports whether a file with the given name may be stored for this
// runtime. Matching is on the lowercased extension.
func (d Descriptor) Allows(filename string) bool {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		return false
	}
	for _, allowed := range d.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// AllowsArchiveMember is Allows for files unpacked from an archive, where
// extensionless files such as Procfile, Makefile or .env are accepted too.
// A leading dot does not start an extension.
func (d Descriptor) AllowsArchiveMember(name string) bool {
	base := strings.TrimLeft(path.Base(name), ".")
	if path.Ext(base) == "" {
		return true
	}
	return d.Allows(base)
}

// HasBuild reports whether the runtime defines a build step.
func (d Descriptor) HasBuild() bool {
	return d.BuildCmd != "" && d.BuildManifest != ""
}

// Registry maps runtime identifiers to descriptors. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	byID map[string]Descriptor
}

// NewRegistry builds a registry from descs. Later duplicates replace earlier
// ones.
func NewRegistry(descs ...Descriptor) *Registry {
	r := &Registry{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		exts := make([]string, len(d.AllowedExtensions))
		for i, e := range d.AllowedExtensions {
			exts[i] = strings.ToLower(e)
		}
		d.AllowedExtensions = exts
		r.byID[d.ID] = d
	}
	return r
}

// Default returns the registry of runtimes the platform ships with.
func Default() *Registry {
	return NewRegistry(
		Descriptor{
			ID:                "python",
			Image:             "python:3.11-slim",
			BuildCmd:          "pip install --no-cache-dir -r requirements.txt",
			BuildManifest:     "requirements.txt",
			DefaultStartCmd:   "python main.py",
			AllowedExtensions: []string{".py", ".txt", ".json", ".yaml", ".yml"},
			WorkDir:           "/app",
			Env:               []string{"PYTHONUNBUFFERED=1", "PIP_DISABLE_PIP_VERSION_CHECK=1"},
		},
		Descriptor{
			ID:                "node",
			Image:             "node:20-alpine",
			BuildCmd:          "npm install --omit=dev",
			BuildManifest:     "package.json",
			DefaultStartCmd:   "node index.js",
			AllowedExtensions: []string{".js", ".mjs", ".cjs", ".json", ".ts"},
			WorkDir:           "/app",
			Env:               []string{"NODE_ENV=production"},
		},
	)
}

// Describe returns the descriptor for id.
func (r *Registry) Describe(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownRuntime, id)
	}
	return d, nil
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every descriptor, sorted by ID.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.byID))
	for _, id := range r.IDs() {
		out = append(out, r.byID[id])
	}
	return out
}
