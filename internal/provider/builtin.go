package provider

import (
	"strings"

	"github.com/loopforge/coreloop/internal/locator"
)

// Builtins returns the default provider set, grounded in the command-line
// policy table of spec §4.4. Each provider's locate hints follow the
// teacher's pattern of checking a per-tool npm-global/home-directory
// install location before falling back to PATH.
func Builtins() []Provider {
	return []Provider{claudeCode(), cursorAgent(), codex(), qwenCode(), amp(), openCode()}
}

// claudeCode is provider row A: no prompt required (runs interactively
// when none given), prompt passed positionally, no auto-approve flag,
// --model.
func claudeCode() Provider {
	return Provider{
		Name:           "claude-code",
		RequiresPrompt: false,
		Hints:          []string{},
		StandardPaths: locator.OSPaths{
			Linux:   []string{"~/.claude/local/claude", "~/.npm-global/bin/claude"},
			MacOS:   []string{"~/.claude/local/claude", "/opt/homebrew/bin/claude"},
			Windows: []string{"~/AppData/Roaming/npm/claude.cmd"},
		},
		BuildCommand: func(binary string, opts SpawnOptions) (Command, error) {
			args := []string{}
			if opts.Prompt != "" {
				args = append(args, "--print", opts.Prompt)
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return Command{Path: binary, Args: args}, nil
		},
		RateLimitMarkers: []string{"usage limit reached", "rate limit"},
	}
}

// cursorAgent is provider row B: requires a non-empty prompt, passed via
// --prompt, --force skips confirmation prompts, --model selects a model.
func cursorAgent() Provider {
	return Provider{
		Name:           "cursor-agent",
		RequiresPrompt: true,
		StandardPaths: locator.OSPaths{
			Linux: []string{"~/.local/bin/cursor-agent"},
			MacOS: []string{"~/.local/bin/cursor-agent"},
		},
		BuildCommand: func(binary string, opts SpawnOptions) (Command, error) {
			if strings.TrimSpace(opts.Prompt) == "" {
				return Command{}, ErrPromptRequired
			}
			args := []string{"--prompt", opts.Prompt, "--force"}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return Command{Path: binary, Args: args}, nil
		},
		RateLimitMarkers: []string{"429", "too many requests"},
	}
}

// codex is provider row C: no prompt required (positional when given),
// --auto medium is the fixed auto-approve policy, --model selects a model.
func codex() Provider {
	return Provider{
		Name:           "codex",
		RequiresPrompt: false,
		StandardPaths: locator.OSPaths{
			Linux: []string{"~/.npm-global/bin/codex"},
			MacOS: []string{"/opt/homebrew/bin/codex"},
		},
		BuildCommand: func(binary string, opts SpawnOptions) (Command, error) {
			args := []string{"--auto", "medium"}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			if opts.Prompt != "" {
				args = append(args, opts.Prompt)
			}
			return Command{Path: binary, Args: args}, nil
		},
		RateLimitMarkers: []string{"rate_limit_exceeded"},
	}
}

// qwenCode is provider row D: requires a non-empty prompt via --prompt,
// --yolo auto-approves everything, --model selects a model.
func qwenCode() Provider {
	return Provider{
		Name:           "qwen-code",
		RequiresPrompt: true,
		StandardPaths: locator.OSPaths{
			Linux: []string{"~/.npm-global/bin/qwen"},
			MacOS: []string{"/opt/homebrew/bin/qwen"},
		},
		BuildCommand: func(binary string, opts SpawnOptions) (Command, error) {
			if strings.TrimSpace(opts.Prompt) == "" {
				return Command{}, ErrPromptRequired
			}
			args := []string{"--prompt", opts.Prompt, "--yolo"}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return Command{Path: binary, Args: args}, nil
		},
	}
}

// amp is provider row E: no prompt required, prompt fed over stdin, no
// auto-approve flag, --model.
func amp() Provider {
	return Provider{
		Name:           "amp",
		RequiresPrompt: false,
		StandardPaths: locator.OSPaths{
			Linux: []string{"~/.npm-global/bin/amp"},
			MacOS: []string{"/opt/homebrew/bin/amp"},
		},
		BuildCommand: func(binary string, opts SpawnOptions) (Command, error) {
			args := []string{}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return Command{Path: binary, Args: args, WriteStdin: opts.Prompt != "", StdinPayload: opts.Prompt}, nil
		},
		RateLimitMarkers: []string{"quota exceeded"},
	}
}

// openCode is provider row F: no prompt required; a given prompt is both
// written to stdin and passed via --message, no auto-approve flag, --model.
func openCode() Provider {
	return Provider{
		Name:           "opencode",
		RequiresPrompt: false,
		StandardPaths: locator.OSPaths{
			Linux: []string{"~/.npm-global/bin/opencode"},
			MacOS: []string{"/opt/homebrew/bin/opencode"},
		},
		BuildCommand: func(binary string, opts SpawnOptions) (Command, error) {
			args := []string{"run"}
			if opts.Prompt != "" {
				args = append(args, "--message", opts.Prompt)
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return Command{Path: binary, Args: args, WriteStdin: opts.Prompt != "", StdinPayload: opts.Prompt}, nil
		},
	}
}
