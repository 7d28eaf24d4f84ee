// Package gate keeps machine-directive replies off the live display.
//
// A reply that starts with a directive marker (case-insensitive, leading
// whitespace ignored) is withheld in full. Any other reply is forwarded as soon
// as it can no longer turn into a marker, so normal text is held back by at most
// len(marker)-1 characters past its leading whitespace.
package gate

import (
	"strings"
	"unicode"
)

// DefaultMarker prefixes replies meant as machine actions rather than prose.
const DefaultMarker = "ACTION:"

// State is the position of the gate's state machine.
type State int

const (
	// Unknown means the reply so far is still a possible marker prefix.
	Unknown State = iota
	// Emitting means the reply is prose; text is forwarded immediately.
	Emitting
	// Suppressing means the reply is a directive; text is dropped.
	Suppressing
)

func (s State) String() string {
	switch s {
	case Emitting:
		return "emitting"
	case Suppressing:
		return "suppressing"
	default:
		return "unknown"
	}
}

// Gate filters one reply. It is not safe for concurrent use.
type Gate struct {
	markers [][]rune
	emit    func(string)
	state   State
	// lead holds whitespace seen before the first visible character.
	lead  []rune
	probe []rune
}

// New returns a gate that forwards displayable text to emit. With no markers
// DefaultMarker is monitored.
func New(emit func(string), markers ...string) *Gate {
	if len(markers) == 0 {
		markers = []string{DefaultMarker}
	}
	g := &Gate{emit: emit}
	for _, m := range markers {
		if m != "" {
			g.markers = append(g.markers, []rune(m))
		}
	}
	return g
}

// State returns the current state.
func (g *Gate) State() State {
	return g.state
}

// Probe returns the marker candidate currently held back, without leading
// whitespace.
func (g *Gate) Probe() string {
	return string(g.probe)
}

// Push feeds the next piece of reply text.
func (g *Gate) Push(text string) {
	if text == "" {
		return
	}
	switch g.state {
	case Emitting:
		g.emit(text)
	case Suppressing:
	default:
		if len(g.probe) == 0 {
			rest := strings.TrimLeftFunc(text, unicode.IsSpace)
			g.lead = append(g.lead, []rune(text[:len(text)-len(rest)])...)
			if rest == "" {
				return
			}
			text = rest
		}
		g.probe = append(g.probe, []rune(text)...)
		full, possible := g.match()
		switch {
		case full:
			g.state = Suppressing
			g.reset()
		case possible:
		default:
			g.state = Emitting
			held := g.held()
			g.reset()
			g.emit(held)
		}
	}
}

func (g *Gate) held() string {
	return string(g.lead) + string(g.probe)
}

func (g *Gate) reset() {
	g.lead = g.lead[:0]
	g.probe = g.probe[:0]
}

// Finalize flushes a probe that never became a marker and resets the gate.
func (g *Gate) Finalize() {
	if g.state == Unknown && len(g.lead)+len(g.probe) > 0 {
		if full, _ := g.match(); !full {
			g.emit(g.held())
		}
	}
	g.state = Unknown
	g.reset()
}

// match reports whether the probe starts with a marker (full) or is a proper
// prefix of one (possible).
func (g *Gate) match() (full, possible bool) {
	for _, m := range g.markers {
		if len(g.probe) >= len(m) {
			if strings.EqualFold(string(g.probe[:len(m)]), string(m)) {
				return true, false
			}
			continue
		}
		if strings.EqualFold(string(g.probe), string(m[:len(g.probe)])) {
			possible = true
		}
	}
	return false, possible
}

// MaxMarkerLen returns the length in characters of the longest monitored marker.
func (g *Gate) MaxMarkerLen() int {
	n := 0
	for _, m := range g.markers {
		if len(m) > n {
			n = len(m)
		}
	}
	return n
}
