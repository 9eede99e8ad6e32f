package terminal

import (
	"unicode/utf8"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// EventKind classifies one decoded input event.
type EventKind int

const (
	EventRune EventKind = iota
	EventEnter
	EventUp
	EventDown
	EventLeft
	EventRight
	EventFocusIn
	EventFocusOut
	// EventChord is a modifier or function key combination, named in the
	// form NormalizeChord produces.
	EventChord
)

// Event is one key press or focus change read from a raw-mode terminal.
type Event struct {
	Kind  EventKind
	Rune  rune
	Chord string
}

// Focus reporting (DECSET 1004) makes the terminal emit ESC [ I and ESC [ O.
const (
	enableFocusReporting  = "\x1b[?1004h"
	disableFocusReporting = "\x1b[?1004l"
)

// ForbiddenChords extends the browser set with the job-control keys a
// terminal exam must not honor.
var ForbiddenChords = func() map[string]string {
	m := make(map[string]string, len(proctor.DefaultForbiddenChords)+3)
	for chord, reason := range proctor.DefaultForbiddenChords {
		m[chord] = reason
	}
	m["Ctrl+C"] = "interrupt shortcut"
	m["Ctrl+Z"] = "suspend shortcut"
	m[`Ctrl+\`] = "quit shortcut"
	return m
}()

var csiFinal = map[byte]EventKind{
	'A': EventUp,
	'B': EventDown,
	'C': EventRight,
	'D': EventLeft,
	'I': EventFocusIn,
	'O': EventFocusOut,
}

// xterm encodings of the function keys the runner cares about.
var tildeKeys = map[string]string{
	"15": "F5",
	"17": "F6",
	"18": "F7",
	"19": "F8",
	"20": "F9",
	"21": "F10",
	"23": "F11",
	"24": "F12",
}

// Decode splits one read from a raw-mode terminal into events. A lone ESC at
// the end of the chunk is the Escape key; ESC followed by a plain byte is Alt
// plus that key. Unrecognized sequences are dropped.
func Decode(buf []byte) []Event {
	var events []Event
	for i := 0; i < len(buf); {
		b := buf[i]
		switch {
		case b == 0x1b:
			ev, n := decodeEscape(buf[i:])
			if ev != nil {
				events = append(events, *ev)
			}
			i += n
		case b == '\r' || b == '\n':
			events = append(events, Event{Kind: EventEnter})
			i++
		case b == '\t':
			events = append(events, Event{Kind: EventRune, Rune: '\t'})
			i++
		case b == 0x1c:
			events = append(events, Event{Kind: EventChord, Chord: `Ctrl+\`})
			i++
		case b >= 0x01 && b <= 0x1a:
			events = append(events, Event{Kind: EventChord, Chord: "Ctrl+" + string(rune('A'+b-1))})
			i++
		case b < 0x20 || b == 0x7f:
			i++
		default:
			r, size := utf8.DecodeRune(buf[i:])
			if r != utf8.RuneError {
				events = append(events, Event{Kind: EventRune, Rune: r})
			}
			i += size
		}
	}
	return events
}

func decodeEscape(buf []byte) (*Event, int) {
	if len(buf) == 1 {
		return &Event{Kind: EventChord, Chord: "Escape"}, 1
	}
	switch buf[1] {
	case '[':
		return decodeCSI(buf)
	case 'O':
		// SS3: F1-F4 and application-mode arrows.
		if len(buf) < 3 {
			return nil, len(buf)
		}
		if kind, ok := csiFinal[buf[2]]; ok && kind != EventFocusIn && kind != EventFocusOut {
			return &Event{Kind: kind}, 3
		}
		if buf[2] >= 'P' && buf[2] <= 'S' {
			return &Event{Kind: EventChord, Chord: "F" + string(rune('1'+buf[2]-'P'))}, 3
		}
		return nil, 3
	case 0x1b:
		return &Event{Kind: EventChord, Chord: "Escape"}, 1
	case '\t':
		return &Event{Kind: EventChord, Chord: "Alt+Tab"}, 2
	}
	r, size := utf8.DecodeRune(buf[1:])
	if r == utf8.RuneError || r < 0x20 {
		return &Event{Kind: EventChord, Chord: "Escape"}, 1
	}
	return &Event{Kind: EventChord, Chord: proctor.NormalizeChord("Alt+" + string(r))}, 1 + size
}

// decodeCSI handles ESC [ params final.
func decodeCSI(buf []byte) (*Event, int) {
	j := 2
	for j < len(buf) && ((buf[j] >= '0' && buf[j] <= '9') || buf[j] == ';') {
		j++
	}
	if j >= len(buf) {
		return nil, len(buf)
	}
	params := string(buf[2:j])
	final := buf[j]
	n := j + 1

	if final == '~' {
		if name, ok := tildeKeys[params]; ok {
			return &Event{Kind: EventChord, Chord: name}, n
		}
		return nil, n
	}
	if kind, ok := csiFinal[final]; ok && params == "" {
		return &Event{Kind: kind}, n
	}
	return nil, n
}
