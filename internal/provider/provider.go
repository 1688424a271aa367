// Package provider models each external coding-assistant CLI as a small
// data record of three capabilities — locate hints, a command-line
// builder, and an optional output-line adapter — rather than a class
// hierarchy (spec §4.4, §9). The Supervisor depends only on this
// capability set, never on a concrete provider type; a new provider is
// added as data.
package provider

import (
	"fmt"

	"github.com/loopforge/coreloop/internal/locator"
	"github.com/loopforge/coreloop/internal/parser"
)

// SpawnOptions carries everything a provider's command builder needs to
// construct a command line for one spawn.
type SpawnOptions struct {
	Prompt string
	Model  string
	// AutoApprove is passed through to the builders, but no built-in
	// provider reads it: those with an auto-approve / non-interactive flag
	// always pass that flag.
	AutoApprove bool
}

// Command is the resolved process invocation: an absolute executable path,
// argv (not including argv[0]), and whether the prompt must additionally
// be written to stdin after the process starts.
type Command struct {
	Path        string
	Args        []string
	WriteStdin  bool
	StdinPayload string
}

// BuildCommandFunc renders a SpawnOptions into a Command for one provider.
// It returns an error only for invalid-argument conditions (e.g. empty
// prompt when the provider requires one) — never for I/O, since it does
// not touch the filesystem beyond what Locate already resolved.
type BuildCommandFunc func(binary string, opts SpawnOptions) (Command, error)

// Provider bundles a name with its three capabilities. Locate hints and
// standard paths feed internal/locator.Resolve; BuildCommand renders the
// argv; Adapter (optional) recognizes this provider's structured output
// lines for internal/parser. A nil Adapter means this provider's output is
// handled entirely by parser's generic/conversational fallbacks.
type Provider struct {
	Name            string
	RequiresPrompt  bool
	Hints           []string
	StandardPaths   locator.OSPaths
	BuildCommand    BuildCommandFunc
	Adapter         parser.Adapter
	// RateLimitMarkers are literal substrings whose presence in raw output
	// text is treated as a rate-limit signal. This match is the only
	// rate-limit detection the Supervisor performs; Adapters report no
	// rate-limit field (spec §9 open question: kept data-driven, never
	// hard-coded into parsing logic).
	RateLimitMarkers []string
}

// ErrPromptRequired is returned by a BuildCommandFunc when the provider
// demands a non-empty prompt and none was given.
var ErrPromptRequired = fmt.Errorf("prompt is required for this provider")

// Locate resolves this provider's binary using the shared CLI Locator.
func (p Provider) Locate() locator.Result {
	return locator.Resolve(p.Name, p.Hints, p.StandardPaths)
}

// Registry is an ordered, named set of providers, supporting the fallback
// chain referenced by the Loop Orchestrator's configuration.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry builds a Registry from a list of providers, preserving
// registration order for iteration.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
