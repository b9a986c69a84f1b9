//go:build linux

// Package meminfo samples the kernel's memory accounting from /proc/meminfo.
//
// A Reader holds its file descriptor open for the lifetime of the process and
// re-reads the file in place each tick, so steady-state operation costs no
// open(2) and no extra fd. Only the four kernel-provided fields the daemon
// needs are parsed; nothing is estimated.
package meminfo

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ja7ad/oomguard/pkg/types"
)

// DefaultPath is the canonical meminfo location.
const DefaultPath = "/proc/meminfo"

// bufSize is sized well above any meminfo seen in the wild (~1.5 KiB).
const bufSize = 8192

var (
	// ErrUnreadable indicates /proc/meminfo could not be opened or read.
	ErrUnreadable = errors.New("meminfo: unreadable")

	// ErrNoMemAvailable indicates the kernel does not export MemAvailable
	// (pre-3.14). The daemon refuses to guess with estimates.
	ErrNoMemAvailable = errors.New("meminfo: no MemAvailable field (kernel too old?)")

	// ErrMalformed indicates a required field was present but unparseable.
	ErrMalformed = errors.New("meminfo: malformed field")
)

// State is the memory snapshot of one tick. All sizes in KiB.
type State struct {
	MemTotal  types.Kib
	MemAvail  types.Kib
	SwapTotal types.Kib
	SwapFree  types.Kib
}

// MemAvailPercent returns 100*MemAvail/MemTotal.
func (s State) MemAvailPercent() float64 { return s.MemAvail.PercentOf(s.MemTotal) }

// SwapFreePercent returns 100*SwapFree/SwapTotal, 0 on a swapless host.
func (s State) SwapFreePercent() float64 { return s.SwapFree.PercentOf(s.SwapTotal) }

// Reader reads meminfo snapshots through a single long-lived fd.
type Reader struct {
	f   *os.File
	buf []byte
	log *logrus.Logger

	warnedClamp bool
}

// NewReader opens path and verifies one snapshot can be parsed, so that a
// missing MemAvailable field is caught at startup rather than mid-flight.
func NewReader(path string, log *logrus.Logger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	r := &Reader{f: f, buf: make([]byte, bufSize), log: log}
	if _, err := r.Read(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// Read takes a fresh snapshot via positional re-read of the held fd.
func (r *Reader) Read() (State, error) {
	n, err := r.f.ReadAt(r.buf, 0)
	if err != nil && err != io.EOF {
		return State{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	st, err := parse(r.buf[:n])
	if err != nil {
		return State{}, err
	}
	return r.clamp(st), nil
}

// clamp enforces avail <= total. The kernel updates meminfo fields without a
// consistent snapshot, so a transient violation is possible; warn once per
// boot and carry on.
func (r *Reader) clamp(st State) State {
	violated := false
	if st.MemAvail > st.MemTotal {
		st.MemAvail = st.MemTotal
		violated = true
	}
	if st.SwapFree > st.SwapTotal {
		st.SwapFree = st.SwapTotal
		violated = true
	}
	if violated && !r.warnedClamp {
		r.warnedClamp = true
		if r.log != nil {
			r.log.Warn("meminfo reported avail > total, clamping")
		}
	}
	return st
}

// Close releases the fd.
func (r *Reader) Close() error { return r.f.Close() }

// parse tokenises buf by whitespace and pulls the value following each exact
// key. Values are base-10 KiB; the trailing "kB" token is skipped by the
// tokeniser like any other field.
func parse(buf []byte) (State, error) {
	var (
		st       State
		haveMT   bool
		haveMA   bool
		haveST   bool
		haveSF   bool
		tokStart = -1
	)
	var prevTok string
	take := func(tok string) error {
		switch prevTok {
		case "MemTotal:":
			v, err := parseKib(tok)
			if err != nil {
				return err
			}
			st.MemTotal, haveMT = v, true
		case "MemAvailable:":
			v, err := parseKib(tok)
			if err != nil {
				return err
			}
			st.MemAvail, haveMA = v, true
		case "SwapTotal:":
			v, err := parseKib(tok)
			if err != nil {
				return err
			}
			st.SwapTotal, haveST = v, true
		case "SwapFree:":
			v, err := parseKib(tok)
			if err != nil {
				return err
			}
			st.SwapFree, haveSF = v, true
		}
		prevTok = tok
		return nil
	}
	for i := 0; i <= len(buf); i++ {
		white := i == len(buf) || buf[i] == ' ' || buf[i] == '\t' || buf[i] == '\n' || buf[i] == '\r'
		if white {
			if tokStart >= 0 {
				if err := take(string(buf[tokStart:i])); err != nil {
					return State{}, err
				}
				tokStart = -1
			}
			continue
		}
		if tokStart < 0 {
			tokStart = i
		}
	}
	if !haveMT || !haveST || !haveSF {
		return State{}, fmt.Errorf("%w: missing required fields", ErrMalformed)
	}
	if !haveMA {
		return State{}, ErrNoMemAvailable
	}
	return st, nil
}

func parseKib(tok string) (types.Kib, error) {
	var v uint64
	if tok == "" {
		return 0, ErrMalformed
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformed, tok)
		}
		v = v*10 + uint64(c-'0')
	}
	return types.Kib(v), nil
}
