package proctor

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SignalKind names an environment signal a host can observe.
type SignalKind string

const (
	SignalFocusLost   SignalKind = "focus_lost"
	SignalFocusGained SignalKind = "focus_gained"
	SignalHidden      SignalKind = "hidden"
	SignalVisible     SignalKind = "visible"
	SignalKeyChord    SignalKind = "key_chord"
	SignalContextMenu SignalKind = "context_menu"
)

// Signal is one raw observation forwarded by a host.
type Signal struct {
	Kind  SignalKind
	Chord string
	// Repeat is set for keyboard auto-repeat of a held chord.
	Repeat bool
	At     time.Time
}

// Reporter receives violations. It returns the total after the call and
// whether this violation was counted.
type Reporter interface {
	ReportViolation(reason string) (count int, counted bool)
}

// DefaultForbiddenChords are the browser shortcuts that open developer
// tools, show page source, switch applications or leave fullscreen.
var DefaultForbiddenChords = map[string]string{
	"F12":            "developer tools shortcut",
	"Ctrl+Shift+I":   "developer tools shortcut",
	"Ctrl+Shift+J":   "developer tools shortcut",
	"Ctrl+Shift+C":   "developer tools shortcut",
	"Alt+Meta+I":     "developer tools shortcut",
	"Alt+Meta+J":     "developer tools shortcut",
	"Ctrl+U":         "view source shortcut",
	"Alt+Meta+U":     "view source shortcut",
	"Alt+Tab":        "application switch",
	"Meta+Tab":       "application switch",
	"Ctrl+Tab":       "tab switch",
	"Alt+F4":         "window close shortcut",
	"Escape":         "fullscreen exit",
	"F11":            "fullscreen toggle",
	"Ctrl+Shift+Tab": "tab switch",
}

var modifierOrder = map[string]int{"Ctrl": 0, "Alt": 1, "Shift": 2, "Meta": 3}

var modifierAliases = map[string]string{
	"ctrl": "Ctrl", "control": "Ctrl",
	"alt": "Alt", "option": "Alt",
	"shift": "Shift",
	"meta": "Meta", "cmd": "Meta", "command": "Meta", "win": "Meta", "super": "Meta",
}

// NormalizeChord canonicalizes a chord such as "shift+ctrl+i" to "Ctrl+Shift+I".
func NormalizeChord(chord string) string {
	parts := strings.Split(chord, "+")
	mods := make([]string, 0, len(parts))
	key := ""
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if m, ok := modifierAliases[strings.ToLower(p)]; ok {
			mods = append(mods, m)
			continue
		}
		key = p
	}
	sort.Slice(mods, func(i, j int) bool { return modifierOrder[mods[i]] < modifierOrder[mods[j]] })

	switch {
	case len(key) == 1:
		key = strings.ToUpper(key)
	case strings.EqualFold(key, "esc"), strings.EqualFold(key, "escape"):
		key = "Escape"
	case strings.EqualFold(key, "tab"):
		key = "Tab"
	case len(key) > 1 && (key[0] == 'f' || key[0] == 'F'):
		key = "F" + key[1:]
	}

	out := mods
	if key != "" {
		out = append(out, key)
	}
	return strings.Join(dedupe(out), "+")
}

func dedupe(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i > 0 && s == in[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ViolationMonitor turns raw signals into discrete violations. It only counts
// while armed: between Start and Stop.
type ViolationMonitor struct {
	mu        sync.Mutex
	reporter  Reporter
	forbidden map[string]string
	coalesce  time.Duration
	now       func() time.Time
	log       zerolog.Logger

	armed       bool
	focusLost   bool
	hidden      bool
	lastCounted time.Time
}

// NewViolationMonitor creates an unarmed monitor. A nil forbidden map selects
// DefaultForbiddenChords.
func NewViolationMonitor(reporter Reporter, forbidden map[string]string, coalesce time.Duration, log zerolog.Logger) *ViolationMonitor {
	if forbidden == nil {
		forbidden = DefaultForbiddenChords
	}
	normalized := make(map[string]string, len(forbidden))
	for chord, reason := range forbidden {
		normalized[NormalizeChord(chord)] = reason
	}
	return &ViolationMonitor{
		reporter:  reporter,
		forbidden: normalized,
		coalesce:  coalesce,
		now:       time.Now,
		log:       log.With().Str("component", "violation_monitor").Logger(),
	}
}

// Start arms the monitor.
func (m *ViolationMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = true
	m.focusLost = false
	m.hidden = false
	m.lastCounted = time.Time{}
}

// Stop disarms the monitor. Idempotent.
func (m *ViolationMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
}

// Armed reports whether signals are being counted.
func (m *ViolationMonitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Forbidden reports whether a chord is intercepted, and why.
func (m *ViolationMonitor) Forbidden(chord string) (string, bool) {
	reason, ok := m.forbidden[NormalizeChord(chord)]
	return reason, ok
}

// Observe feeds one signal. It returns the violation count and true only when
// the reporter counted the signal.
func (m *ViolationMonitor) Observe(sig Signal) (int, bool) {
	reason, ok := m.classify(sig)
	if !ok {
		return 0, false
	}

	m.log.Info().Str("signal", string(sig.Kind)).Str("chord", sig.Chord).Str("reason", reason).Msg("Violation observed")

	// Reported outside the lock: the reporter may stop this monitor.
	return m.reporter.ReportViolation(reason)
}

func (m *ViolationMonitor) classify(sig Signal) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.armed {
		return "", false
	}

	var reason string
	switch sig.Kind {
	case SignalFocusGained:
		m.focusLost = false
		return "", false
	case SignalVisible:
		m.hidden = false
		return "", false
	case SignalFocusLost:
		if m.focusLost {
			return "", false
		}
		m.focusLost = true
		reason = "exam window lost focus"
	case SignalHidden:
		if m.hidden {
			return "", false
		}
		m.hidden = true
		reason = "exam tab was hidden"
	case SignalKeyChord:
		if sig.Repeat {
			return "", false
		}
		r, forbidden := m.forbidden[NormalizeChord(sig.Chord)]
		if !forbidden {
			return "", false
		}
		reason = r + " (" + NormalizeChord(sig.Chord) + ")"
	case SignalContextMenu:
		reason = "context menu attempted"
	default:
		return "", false
	}

	at := sig.At
	if at.IsZero() {
		at = m.now()
	}
	if !m.lastCounted.IsZero() && at.Sub(m.lastCounted) < m.coalesce {
		return "", false
	}
	m.lastCounted = at
	return reason, true
}

// ChordList returns the normalized chords of a forbidden set, sorted. A nil
// set selects DefaultForbiddenChords.
func ChordList(forbidden map[string]string) []string {
	if forbidden == nil {
		forbidden = DefaultForbiddenChords
	}
	seen := make(map[string]bool, len(forbidden))
	out := make([]string, 0, len(forbidden))
	for chord := range forbidden {
		n := NormalizeChord(chord)
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
