package gems

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Binding associates a gem name with the image painted over its icon.
// Image is opaque to the engine; an empty Image makes the binding inert.
type Binding struct {
	Name  string `json:"name" yaml:"name"`
	Image string `json:"image" yaml:"image"`
}

// Settings is the snapshot the engine reads from the configuration store.
type Settings struct {
	Enabled  bool      `json:"enabled" yaml:"enabled"`
	Bindings []Binding `json:"gems" yaml:"gems"`
}

// DefaultSettings are used whenever the store has nothing to say.
func DefaultSettings() Settings {
	return Settings{Enabled: true}
}

// SettingsSource is the external configuration collaborator.
type SettingsSource interface {
	// Load returns the current settings. Missing keys resolve to
	// DefaultSettings values rather than errors.
	Load(ctx context.Context) (Settings, error)
	// Watch calls fn with the new binding list every time the stored list
	// changes, until ctx is done. A nil list means the key was removed.
	Watch(ctx context.Context, fn func([]Binding)) error
}

// CleanBindings drops entries without a usable name and duplicates of an
// earlier name. Order is preserved; the first registration wins.
func CleanBindings(in []Binding) []Binding {
	out := make([]Binding, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, b := range in {
		key := Normalize(b.Name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, b)
	}
	return out
}

// candidate is a binding prepared for matching.
type candidate struct {
	Binding
	norm string
}

// active returns the bindings that can cause a paint, names pre-normalized.
func active(bindings []Binding) []candidate {
	out := make([]candidate, 0, len(bindings))
	for _, b := range bindings {
		if strings.TrimSpace(b.Image) == "" {
			continue
		}
		n := Normalize(b.Name)
		if n == "" {
			continue
		}
		out = append(out, candidate{Binding: b, norm: n})
	}
	return out
}

// passesGate reports whether name is plausible for an icon showing glyph:
// name starts with glyph, or its first character is exactly glyph. Case is
// significant.
func passesGate(name, glyph string) bool {
	if strings.HasPrefix(name, glyph) {
		return true
	}
	first, size := utf8.DecodeRuneInString(name)
	if size == 0 || first == utf8.RuneError {
		return false
	}
	return string(first) == glyph
}

func gated(cands []candidate, glyph string) []candidate {
	out := cands[:0:0]
	for _, c := range cands {
		if passesGate(c.norm, glyph) {
			out = append(out, c)
		}
	}
	return out
}

// firstContained returns the first candidate whose normalized name occurs in text.
func firstContained(cands []candidate, text string) (candidate, bool) {
	if text == "" {
		return candidate{}, false
	}
	for _, c := range cands {
		if strings.Contains(text, c.norm) {
			return c, true
		}
	}
	return candidate{}, false
}
