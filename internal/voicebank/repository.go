package voicebank

import "fmt"

// Loader decodes voice model files into a rendering backend.
// LoadModels must leave the backend untouched when it returns an error.
type Loader interface {
	LoadModels(sets []ModelFileSet, windows SharedWindowSet) error
}

// Repository owns the file sets of the voices loaded into a backend.
type Repository struct {
	sets    []ModelFileSet
	windows SharedWindowSet
}

// Open plans, verifies and loads the voices stored in dirs.
// Nothing is handed to the loader unless every file is present.
func Open(dirs []string, loader Loader) (*Repository, error) {
	sets, windows, err := Plan(dirs)
	if err != nil {
		return nil, err
	}
	if err := Verify(sets, windows); err != nil {
		return nil, fmt.Errorf("verify model files: %w", err)
	}
	if err := loader.LoadModels(sets, windows); err != nil {
		return nil, fmt.Errorf("load model files: %w", err)
	}
	return &Repository{sets: sets, windows: windows}, nil
}

// NumModels reports how many voices were loaded.
func (r *Repository) NumModels() int {
	if r == nil {
		return 0
	}
	return len(r.sets)
}

// Voices returns a copy of the per-voice file sets.
func (r *Repository) Voices() []ModelFileSet {
	if r == nil {
		return nil
	}
	return append([]ModelFileSet(nil), r.sets...)
}

// Windows returns the shared window set.
func (r *Repository) Windows() SharedWindowSet {
	if r == nil {
		return SharedWindowSet{}
	}
	return r.windows
}
