// Package metadata implements the stateless ANSI/OSC-aware extractor
// described in spec §4.5: each PTY output chunk is scanned independently
// and yields a partial patch of session metadata fields. All string literal
// matches below are implemented verbatim per the spec.
package metadata

import (
	"regexp"
	"strings"
)

// Patch is a partial update to session metadata. Only fields confidently
// detected in a chunk are set; the supervisor applies changed fields only.
type Patch struct {
	Model           *string
	ContextUsed     *string
	LastMessage     *string
	WaitingForInput *bool
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

const (
	esc = "\x1b"
	bel = "\x07"
)

// oscTitleKindA matches ESC ] 0 ; <spinner glyph> <title> BEL.
var oscTitleKindA = regexp.MustCompile(esc + `\]0;([⠐⠂✳✶✻✽✢·⠈⠁⠃]) (.*?)` + bel)

// oscTitleKindB matches ESC ] 2 ; <title> BEL.
var oscTitleKindB = regexp.MustCompile(esc + `\]2;(.*?)` + bel)

// dimPrompt matches ESC [ 2 m <text> ESC [ 22 m.
var dimPrompt = regexp.MustCompile(esc + `\[2m(.*?)` + esc + `\[22m`)

// copilotInputPrompt matches "❯ ESC [ 39 m <input>".
var copilotInputPrompt = regexp.MustCompile(`❯ ` + esc + `\[39m(.*)`)

var bareCopilotPrompt = regexp.MustCompile(`❯`)

var modelRegexp = regexp.MustCompile(`(?i)(opus|sonnet|haiku)[- ]?(\d+(?:[.-]\d+)*)`)
var contextPctRegexp = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

// ansiStrip removes CSI and OSC escape sequences and carriage returns.
var csiSeq = regexp.MustCompile(esc + `\[[0-9;]*[a-zA-Z]`)
var oscSeq = regexp.MustCompile(esc + `\][^` + bel + `]*` + bel)

func stripANSI(s string) string {
	s = oscSeq.ReplaceAllString(s, "")
	s = csiSeq.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}

// Extract parses one raw PTY output chunk and returns the fields it could
// confidently determine, in the priority order of spec §4.5. Later rules
// only set a field left unset by an earlier rule.
func Extract(chunk []byte) Patch {
	raw := string(chunk)
	var p Patch

	// 1. OSC window title, kind-A.
	if m := oscTitleKindA.FindStringSubmatch(raw); m != nil {
		title := m[2]
		if title == "Claude Code" {
			p.WaitingForInput = boolPtr(true)
		} else if l := len(title); l > 2 && l < 80 {
			p.LastMessage = strPtr(title)
			p.WaitingForInput = boolPtr(false)
		}
	}

	// 2. OSC window title, kind-B.
	if m := oscTitleKindB.FindStringSubmatch(raw); m != nil {
		if m[1] == "GitHub Copilot" {
			p.Model = strPtr("GitHub Copilot")
		}
	}

	// 3. Dim text prompt (kind-A).
	if m := dimPrompt.FindStringSubmatch(raw); m != nil {
		text := m[1]
		switch {
		case strings.HasPrefix(text, "Type @"):
			if p.WaitingForInput == nil {
				p.WaitingForInput = boolPtr(true)
			}
		case len(text) > 2 && len(text) < 100 && !strings.HasPrefix(text, "─"):
			if p.LastMessage == nil {
				p.LastMessage = strPtr(text)
			}
		}
	}

	// 4. On the ANSI-stripped chunk: model and context-used.
	stripped := stripANSI(raw)

	if m := modelRegexp.FindStringSubmatch(stripped); m != nil && p.Model == nil {
		name := strings.ToUpper(m[1][:1]) + strings.ToLower(m[1][1:])
		version := strings.ReplaceAll(m[2], "-", ".")
		p.Model = strPtr(name + " " + version)
	}

	if m := contextPctRegexp.FindStringSubmatch(stripped); m != nil && p.ContextUsed == nil {
		p.ContextUsed = strPtr(m[1] + "%")
	}

	// 5. kind-B input prompt.
	if m := copilotInputPrompt.FindStringSubmatch(raw); m != nil {
		input := strings.TrimSpace(m[1])
		if input != "" && !strings.HasPrefix(input, "Type @") {
			if p.LastMessage == nil {
				p.LastMessage = strPtr(input)
			}
		}
	} else if bareCopilotPrompt.MatchString(raw) {
		if p.WaitingForInput == nil {
			p.WaitingForInput = boolPtr(true)
		}
	}

	// 6. Fallback.
	if p.LastMessage == nil && strings.Contains(stripped, "thinking") {
		p.LastMessage = strPtr("Thinking...")
		p.WaitingForInput = boolPtr(false)
	}

	return p
}
