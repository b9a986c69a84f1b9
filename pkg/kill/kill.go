//go:build linux

// Package kill delivers signals to selected victims and handles the
// SIGTERM to SIGKILL escalation.
package kill

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ja7ad/oomguard/pkg/system/proc"
	"github.com/ja7ad/oomguard/pkg/system/util"
	"github.com/ja7ad/oomguard/pkg/victim"
)

const (
	// How long a SIGTERM'd victim gets to exit before escalation.
	termTimeout = 10 * time.Second
	// Liveness poll cadence during the wait.
	pollInterval = 100 * time.Millisecond
)

// ErrVictimChanged means the pid was reused between selection and signalling;
// the kill is aborted and the caller re-scans on the next tick.
var ErrVictimChanged = errors.New("kill: victim changed identity, aborting")

// Killer signals victims. One instance lives for the daemon lifetime.
type Killer struct {
	fs     *proc.FS
	log    *logrus.Logger
	notify bool

	// test seams
	sendSignal func(pid int, sig unix.Signal) error
	sleep      func(d time.Duration)
}

func New(fs *proc.FS, log *logrus.Logger, notify bool) *Killer {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Killer{
		fs:         fs,
		log:        log,
		notify:     notify,
		sendSignal: func(pid int, sig unix.Signal) error { return unix.Kill(pid, sig) },
		sleep:      time.Sleep,
	}
}

// Kill re-verifies the victim's identity, emits the notification line, and
// delivers sig. A SIGTERM that does not take effect within the timeout is
// escalated to SIGKILL. The post-signal wait is the only blocking part.
func (k *Killer) Kill(v victim.Process, sig unix.Signal, reason string) error {
	if err := k.verifyIdentity(v); err != nil {
		return err
	}

	k.announce(v, sig, reason)
	if err := k.signal(v.PID, sig); err != nil {
		return err
	}
	if k.notify {
		k.desktopNotify(v, sig)
	}
	if sig != unix.SIGTERM {
		return nil
	}

	// Give the victim a chance to exit cleanly before the hammer.
	for i := 0; i < int(termTimeout/pollInterval); i++ {
		if !k.fs.IsAlive(v.PID) {
			k.log.Infof("process %d exited after SIGTERM", v.PID)
			return nil
		}
		k.sleep(pollInterval)
	}
	if !k.fs.IsAlive(v.PID) {
		return nil
	}

	k.announce(v, unix.SIGKILL, "SIGTERM timeout")
	return k.signal(v.PID, unix.SIGKILL)
}

// verifyIdentity guards against pid reuse: the comm and starttime read now
// must match what the scan saw.
func (k *Killer) verifyIdentity(v victim.Process) error {
	st, err := k.fs.ReadStat(v.PID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVictimChanged, err)
	}
	if st.Starttime != v.Starttime {
		return ErrVictimChanged
	}
	comm, err := k.fs.Comm(v.PID)
	if err != nil {
		comm = st.Comm
	}
	if comm != v.Comm {
		return ErrVictimChanged
	}
	return nil
}

func (k *Killer) signal(pid int, sig unix.Signal) error {
	err := k.sendSignal(pid, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH):
		// already gone, mission accomplished
		return nil
	case errors.Is(err, unix.EPERM):
		k.log.Warnf("no permission to signal process %d", pid)
		return err
	default:
		return err
	}
}

// announce prints the kill notification. The format is an external contract;
// comm is sanitised so the line stays shell-safe.
func (k *Killer) announce(v victim.Process, sig unix.Signal, reason string) {
	fmt.Printf("sending %s to process %d %q uid %d %s %s\n",
		signame(sig), v.PID, util.Sanitize(v.Comm), v.UID, v.CgroupPath, reason)
}

// desktopNotify forwards the event to notify-send, best effort.
func (k *Killer) desktopNotify(v victim.Process, sig unix.Signal) {
	msg := fmt.Sprintf("Low memory! Sending %s to process %d %s",
		signame(sig), v.PID, util.Sanitize(v.Comm))
	cmd := exec.Command("notify-send", "-i", "dialog-warning", "oomguard", msg)
	if err := cmd.Run(); err != nil {
		k.log.Warnf("notify-send: %v", err)
	}
}

func signame(sig unix.Signal) string {
	switch sig {
	case unix.SIGTERM:
		return "SIGTERM"
	case unix.SIGKILL:
		return "SIGKILL"
	default:
		return unix.SignalName(sig)
	}
}
