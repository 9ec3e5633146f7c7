// Package provider holds the static capability table for transcription
// backends and the pure selection logic that picks a model for a given
// input size.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Capability describes one backend model's hard input limit.
type Capability struct {
	Model    string
	MaxBytes int64
}

// DefaultCapabilities mirrors the published upstream limits: the Whisper
// family endpoints cap requests near 25 MB, the large-context model takes
// files up to 200 MB.
func DefaultCapabilities() []Capability {
	return []Capability{
		{Model: "whisper-large-v3", MaxBytes: 25 << 20},
		{Model: "whisper-large-v3-turbo", MaxBytes: 25 << 20},
		{Model: "gemini-2.5-flash", MaxBytes: 200 << 20},
	}
}

// ErrNoCapableProvider is returned when the file exceeds every known
// backend's limit.
var ErrNoCapableProvider = errors.New("file too large for any backend")

// ErrUnknownModel is returned when the declared model is not in the table.
var ErrUnknownModel = errors.New("unknown model")

// Selection is the outcome of one model choice. Substituted is set when the
// declared model could not take the file and a more capable one was chosen
// instead.
type Selection struct {
	Model       string
	Substituted bool
	DeclaredFor string
}

// Selector is pure decision logic over a fixed capability table: no I/O,
// deterministic given its inputs.
type Selector struct {
	caps []Capability
}

func NewSelector(caps []Capability) *Selector {
	if len(caps) == 0 {
		caps = DefaultCapabilities()
	}
	sorted := make([]Capability, len(caps))
	copy(sorted, caps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MaxBytes > sorted[j].MaxBytes })
	return &Selector{caps: sorted}
}

// Select returns the declared model when it can take fileSize bytes, or
// substitutes the most capable alternative. A request is never failed solely
// due to size while an alternative exists.
func (s *Selector) Select(fileSize int64, declaredModel string) (Selection, error) {
	declaredModel = strings.TrimSpace(declaredModel)

	declared, ok := s.lookup(declaredModel)
	if !ok {
		return Selection{}, fmt.Errorf("%w: %q", ErrUnknownModel, declaredModel)
	}
	if fileSize <= declared.MaxBytes {
		return Selection{Model: declared.Model}, nil
	}

	// caps are sorted by capacity, so the first entry is the most capable.
	best := s.caps[0]
	if fileSize > best.MaxBytes {
		return Selection{}, fmt.Errorf("%w: %d bytes exceeds every provider limit", ErrNoCapableProvider, fileSize)
	}
	return Selection{Model: best.Model, Substituted: true, DeclaredFor: declared.Model}, nil
}

// MaxBytes reports the limit for one model, for callers sizing chunks.
func (s *Selector) MaxBytes(model string) (int64, bool) {
	cap, ok := s.lookup(model)
	if !ok {
		return 0, false
	}
	return cap.MaxBytes, true
}

func (s *Selector) lookup(model string) (Capability, bool) {
	for _, cap := range s.caps {
		if cap.Model == model {
			return cap, true
		}
	}
	return Capability{}, false
}
