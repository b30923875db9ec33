// Package osc decodes the out-of-band control codes a sandbox shell embeds in
// its output stream. The shell announces protocol events with operating system
// commands of the form ESC ] 654 ; <payload> BEL:
//
//	ESC ] 654 ; interactive BEL     shell accepts keystrokes
//	ESC ] 654 ; prompt BEL          prompt redrawn, previous command finished
//	ESC ] 654 ; exit=<code>[:<n>] BEL  exit status of the previous command
//
// The Decoder is a byte-level state machine, so sequences may be split across
// any number of reads. Everything that is not a 654 sequence is returned as
// text, untouched.
package osc

import (
	"bytes"
	"strconv"
	"strings"
)

// Number is the OSC number reserved for shell protocol events.
const Number = "654"

// maxPayload bounds how much of an unterminated OSC sequence is buffered
// before the decoder gives up on it and flushes the bytes as text.
const maxPayload = 4096

const (
	esc = 0x1b
	bel = 0x07
)

// Kind identifies a decoded token.
type Kind int

const (
	Text Kind = iota
	Interactive
	Prompt
	Exit
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Interactive:
		return "interactive"
	case Prompt:
		return "prompt"
	case Exit:
		return "exit"
	}
	return "unknown"
}

// ExitUnknown is the code reported for an exit event whose status did not parse.
const ExitUnknown = -1

// Token is either a run of plain output (Kind == Text) or a protocol event.
type Token struct {
	Kind Kind
	Data []byte // set for Text
	Code int    // set for Exit
}

type state int

const (
	stGround state = iota
	stEsc          // saw ESC in ground
	stOSC          // inside ESC ] ... collecting payload
	stOSCEsc       // saw ESC inside OSC, expecting '\' (ST)
)

// Decoder splits a shell output stream into text and protocol events.
// It is not safe for concurrent use.
type Decoder struct {
	st      state
	payload []byte // OSC payload collected so far (without ESC ])
	text    []byte // pending text for the current Feed call
	out     []Token
}

// NewDecoder returns a Decoder in the ground state.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the next chunk of output and returns the tokens it completes,
// in stream order. Bytes belonging to an unfinished escape sequence are held
// until a later Feed resolves them.
func (d *Decoder) Feed(p []byte) []Token {
	d.out = nil
	for _, b := range p {
		switch d.st {
		case stGround:
			if b == esc {
				d.st = stEsc
				continue
			}
			d.text = append(d.text, b)

		case stEsc:
			if b == ']' {
				d.st = stOSC
				d.payload = d.payload[:0]
				continue
			}
			// Not an OSC introducer; keep the escape for the terminal.
			d.text = append(d.text, esc)
			if b == esc {
				continue
			}
			d.text = append(d.text, b)
			d.st = stGround

		case stOSC:
			switch b {
			case bel:
				d.finish([]byte{bel})
			case esc:
				d.st = stOSCEsc
			default:
				d.payload = append(d.payload, b)
				if len(d.payload) > maxPayload {
					d.abandon()
				}
			}

		case stOSCEsc:
			if b == '\\' {
				d.finish([]byte{esc, '\\'})
				continue
			}
			// ESC without ST ends the sequence unterminated; restart on this byte.
			d.abandon()
			if b == esc {
				d.st = stEsc
				continue
			}
			d.text = append(d.text, b)
		}
	}
	d.flushText()
	return d.out
}

// Pending reports whether the decoder is holding bytes of an unfinished
// escape sequence.
func (d *Decoder) Pending() bool {
	return d.st != stGround
}

// Reset drops any partially decoded sequence.
func (d *Decoder) Reset() {
	d.st = stGround
	d.payload = d.payload[:0]
	d.text = d.text[:0]
}

func (d *Decoder) finish(terminator []byte) {
	d.st = stGround
	kind, code, ok := parsePayload(d.payload)
	if !ok {
		// Foreign OSC (window title, hyperlinks, ...): pass it through verbatim.
		d.text = append(d.text, esc, ']')
		d.text = append(d.text, d.payload...)
		d.text = append(d.text, terminator...)
		return
	}
	d.flushText()
	d.out = append(d.out, Token{Kind: kind, Code: code})
}

func (d *Decoder) abandon() {
	d.text = append(d.text, esc, ']')
	d.text = append(d.text, d.payload...)
	if d.st == stOSCEsc {
		d.text = append(d.text, esc)
	}
	d.payload = d.payload[:0]
	d.st = stGround
}

func (d *Decoder) flushText() {
	if len(d.text) == 0 {
		return
	}
	d.out = append(d.out, Token{Kind: Text, Data: bytes.Clone(d.text)})
	d.text = d.text[:0]
}

func parsePayload(payload []byte) (Kind, int, bool) {
	s := string(payload)
	rest, ok := strings.CutPrefix(s, Number+";")
	if !ok {
		return Text, 0, false
	}
	name, value, hasValue := strings.Cut(rest, "=")
	switch name {
	case "interactive":
		return Interactive, 0, true
	case "prompt":
		return Prompt, 0, true
	case "exit":
		if !hasValue {
			return Exit, ExitUnknown, true
		}
		return Exit, parseExitCode(value), true
	}
	return Text, 0, false
}

// parseExitCode accepts "<code>" or "<code>:<n>" and returns ExitUnknown when
// the code is not an integer.
func parseExitCode(v string) int {
	code, _, _ := strings.Cut(v, ":")
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return ExitUnknown
	}
	return n
}
