package gems

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
)

// Default page contract. These track the host page's markup and are expected
// to be overridden from configuration when the host changes.
const (
	DefaultIconSelector     = ".bot-logo-text"
	DefaultLinkSelector     = `a[href*="/gem/"]`
	DefaultNavSelector      = `nav, [role="navigation"], side-navigation-v2, bard-sidenav`
	DefaultHeadingSelector  = "h1"
	DefaultArtifactSelector = `img[src*="chrome-extension"]`
	DefaultMarkerAttr       = "data-gem-processed"
)

// Selectors is the versioned structural contract with the host page.
type Selectors struct {
	Icon     string `yaml:"icon"`
	Link     string `yaml:"link"`
	Nav      string `yaml:"nav"`
	Heading  string `yaml:"heading"`
	Artifact string `yaml:"artifact"`
}

// DefaultSelectors returns the built-in page contract.
func DefaultSelectors() Selectors {
	return Selectors{
		Icon:     DefaultIconSelector,
		Link:     DefaultLinkSelector,
		Nav:      DefaultNavSelector,
		Heading:  DefaultHeadingSelector,
		Artifact: DefaultArtifactSelector,
	}
}

type compiledSelectors struct {
	icon     cascadia.Selector
	link     cascadia.Selector
	nav      cascadia.Selector
	heading  cascadia.Selector
	artifact cascadia.Selector
}

func (s Selectors) withDefaults() Selectors {
	def := DefaultSelectors()
	if strings.TrimSpace(s.Icon) == "" {
		s.Icon = def.Icon
	}
	if strings.TrimSpace(s.Link) == "" {
		s.Link = def.Link
	}
	if strings.TrimSpace(s.Nav) == "" {
		s.Nav = def.Nav
	}
	if strings.TrimSpace(s.Heading) == "" {
		s.Heading = def.Heading
	}
	if strings.TrimSpace(s.Artifact) == "" {
		s.Artifact = def.Artifact
	}
	return s
}

func (s Selectors) compile() (*compiledSelectors, error) {
	s = s.withDefaults()
	var (
		out compiledSelectors
		err error
	)
	for _, it := range []struct {
		name string
		src  string
		dst  *cascadia.Selector
	}{
		{"icon", s.Icon, &out.icon},
		{"link", s.Link, &out.link},
		{"nav", s.Nav, &out.nav},
		{"heading", s.Heading, &out.heading},
		{"artifact", s.Artifact, &out.artifact},
	} {
		if *it.dst, err = cascadia.Compile(it.src); err != nil {
			return nil, fmt.Errorf("%s selector %q: %w", it.name, it.src, err)
		}
	}
	return &out, nil
}
