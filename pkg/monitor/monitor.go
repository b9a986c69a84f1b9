//go:build linux

// Package monitor runs the daemon's control loop: sample memory, classify
// pressure on both axes, and authorise at most one kill per tick.
package monitor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ja7ad/oomguard/pkg/config"
	"github.com/ja7ad/oomguard/pkg/system/meminfo"
	"github.com/ja7ad/oomguard/pkg/system/util"
	"github.com/ja7ad/oomguard/pkg/victim"
)

// Phase is the pressure state of one axis.
type Phase int

const (
	PhaseNormal Phase = iota // above the TERM trip point
	PhaseTerm                // between KILL and TERM: SIGTERM authorised
	PhaseKill                // at or below KILL: SIGKILL authorised
)

func (p Phase) String() string {
	switch p {
	case PhaseTerm:
		return "term"
	case PhaseKill:
		return "kill"
	default:
		return "normal"
	}
}

// Sleep tuning: ~100 ms at the TERM threshold, growing towards the cap as
// headroom opens up, shrinking to the floor below the threshold. Must stay
// monotonic: less headroom never sleeps longer.
const (
	sleepFloor      = 50 * time.Millisecond
	sleepCap        = 1000 * time.Millisecond
	sleepAtTerm     = 100 * time.Millisecond
	sleepPerPercent = 15 * time.Millisecond
)

// noVictimWarnInterval rate-limits the "nothing to kill" warning.
const noVictimWarnInterval = time.Minute

// VictimFinder selects the current kill candidate.
type VictimFinder interface {
	Find() (victim.Process, bool)
}

// ProcessKiller delivers a signal to a selected victim.
type ProcessKiller interface {
	Kill(v victim.Process, sig unix.Signal, reason string) error
}

// Monitor is the running daemon state.
type Monitor struct {
	cfg    *config.Config
	mem    *meminfo.Reader
	finder VictimFinder
	killer ProcessKiller
	log    *logrus.Logger
	dbg    *logrus.Logger

	memAvg     *util.EMA
	swapAvg    *util.EMA
	memAvgVal  float64
	swapAvgVal float64

	lastReport       time.Time
	lastNoVictimWarn time.Time
}

func New(cfg *config.Config, mem *meminfo.Reader, finder VictimFinder, killer ProcessKiller, log, dbg *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	if dbg == nil {
		dbg = logrus.New()
		dbg.SetOutput(io.Discard)
	}
	return &Monitor{
		cfg:     cfg,
		mem:     mem,
		finder:  finder,
		killer:  killer,
		log:     log,
		dbg:     dbg,
		memAvg:  util.NewEMA(0.3),
		swapAvg: util.NewEMA(0.3),
	}
}

// Run loops until ctx is cancelled. Cancellation is observed at the sleep;
// an in-flight kill always completes first. The daemon never exits on its
// own: every per-tick error is recoverable by design.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		st, err := m.mem.Read()
		if err != nil {
			// transient by assumption; startup already proved the file parses
			m.dbg.Debugf("meminfo read failed: %v", err)
		} else {
			m.memAvgVal = m.memAvg.Next(st.MemAvailPercent())
			m.swapAvgVal = m.swapAvg.Next(st.SwapFreePercent())
			m.maybeReport(st, time.Now())
			m.tick(st, time.Now())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.sleepInterval(st)):
		}
	}
}

// tick classifies both axes and acts on the harder one. One victim, one
// signal, never both axes independently.
func (m *Monitor) tick(st meminfo.State, now time.Time) {
	phase, sig, reason := m.classify(st)
	if phase == PhaseNormal {
		return
	}

	v, ok := m.finder.Find()
	if !ok {
		if now.Sub(m.lastNoVictimWarn) >= noVictimWarnInterval {
			m.lastNoVictimWarn = now
			m.log.Warn("no eligible victim found, nothing killed")
		}
		return
	}
	if err := m.killer.Kill(v, sig, reason); err != nil {
		m.dbg.Debugf("kill pid %d: %v", v.PID, err)
	}
}

// classify evaluates the two pressure axes. The swap axis of a swapless host
// never arms: zero free of zero total is no pressure signal.
func (m *Monitor) classify(st meminfo.State) (Phase, unix.Signal, string) {
	memPct := st.MemAvailPercent()
	swapPct := st.SwapFreePercent()

	phase := phaseFor(memPct, m.cfg.Mem)
	trip := m.cfg.Mem.Term
	if phase == PhaseKill {
		trip = m.cfg.Mem.Kill
	}
	reason := fmt.Sprintf("mem avail %.2f%% <= %.2f%%", memPct, trip)

	if st.SwapTotal > 0 {
		if sp := phaseFor(swapPct, m.cfg.Swap); sp > phase {
			phase = sp
			trip = m.cfg.Swap.Term
			if sp == PhaseKill {
				trip = m.cfg.Swap.Kill
			}
			reason = fmt.Sprintf("swap free %.2f%% <= %.2f%%", swapPct, trip)
		}
	}

	sig := unix.SIGTERM
	if phase == PhaseKill {
		sig = unix.SIGKILL
	}
	return phase, sig, reason
}

func phaseFor(availPercent float64, th config.Thresholds) Phase {
	switch {
	case availPercent <= th.Kill:
		return PhaseKill
	case availPercent <= th.Term:
		return PhaseTerm
	default:
		return PhaseNormal
	}
}

// sleepInterval scales the poll cadence with the distance to the nearer TERM
// threshold.
func (m *Monitor) sleepInterval(st meminfo.State) time.Duration {
	headroom := st.MemAvailPercent() - m.cfg.Mem.Term
	if st.SwapTotal > 0 {
		if sh := st.SwapFreePercent() - m.cfg.Swap.Term; sh < headroom {
			headroom = sh
		}
	}
	d := sleepAtTerm + time.Duration(headroom*float64(sleepPerPercent))
	if d < sleepFloor {
		return sleepFloor
	}
	if d > sleepCap {
		return sleepCap
	}
	return d
}

// maybeReport emits the periodic stdout status line. The format is an
// external contract.
func (m *Monitor) maybeReport(st meminfo.State, now time.Time) {
	if m.cfg.ReportInterval <= 0 {
		return
	}
	if !m.lastReport.IsZero() && now.Sub(m.lastReport) < m.cfg.ReportInterval {
		return
	}
	m.lastReport = now
	fmt.Printf("mem avail: %4d of %4d MiB (%5.2f %%), swap free: %4d of %4d MiB (%5.2f %%)\n",
		st.MemAvail.MiB(), st.MemTotal.MiB(), st.MemAvailPercent(),
		st.SwapFree.MiB(), st.SwapTotal.MiB(), st.SwapFreePercent())
	if m.cfg.Debug {
		m.dbg.Debugf("avg mem avail %5.2f %%, avg swap free %5.2f %%",
			m.memAvgVal, m.swapAvgVal)
	}
}
