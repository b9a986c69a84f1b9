//go:build linux

// Package victim scans the process table and picks the process most
// responsible for memory pressure under the configured policy.
package victim

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ja7ad/oomguard/pkg/config"
	"github.com/ja7ad/oomguard/pkg/system/cgroup"
	"github.com/ja7ad/oomguard/pkg/system/proc"
)

// Badness adjustment applied when a comm matches --prefer / --avoid. It
// outweighs badness differences below 300 points; a larger gap still decides
// the order. An avoided process stays selectable.
const regexBadnessAdj = 300

// Process is one scanned candidate. Constructed during a scan pass and
// discarded at the end of it; never cached between ticks, pids are reused.
type Process struct {
	PID         int
	Badness     int64
	OomScore    int
	OomScoreAdj int
	VmRSSKib    int64
	NumThreads  int
	State       byte
	PPID        int
	UID         uint32
	Comm        string
	Starttime   uint64
	CgroupPath  string
}

// Selector walks a proc tree. One instance lives for the daemon lifetime;
// each Find call is a fresh O(N) pass. It first lists every pid of the proc
// root into a slice, then keeps only the best candidate so far.
type Selector struct {
	fs     *proc.FS
	policy config.Policy
	self   int
	log    *logrus.Logger
}

func NewSelector(fs *proc.FS, policy config.Policy, log *logrus.Logger) *Selector {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Selector{fs: fs, policy: policy, self: os.Getpid(), log: log}
}

// Find returns the process with the highest badness under the current
// policy, or ok=false when every process was filtered out.
func (s *Selector) Find() (Process, bool) {
	pids, err := s.fs.Pids()
	if err != nil {
		s.log.Warnf("cannot list %s: %v", s.fs.Dir(), err)
		return Process{}, false
	}

	var best Process
	found := false
	for _, pid := range pids {
		cand, ok := s.examine(pid)
		if !ok {
			continue
		}
		s.log.Debugf("pid %5d: badness %4d vm_rss_kib %8d comm %q",
			cand.PID, cand.Badness, cand.VmRSSKib, cand.Comm)
		if !found || isLarger(&best, &cand) {
			best = cand
			found = true
			s.log.Debugf("new victim %d %q (badness %d)", best.PID, best.Comm, best.Badness)
		}
	}
	if !found {
		return Process{}, false
	}

	// Facts only the winner needs.
	if uid, err := s.fs.UID(best.PID); err == nil {
		best.UID = uid
	}
	best.CgroupPath = cgroup.MemoryPath(s.fs.Dir(), best.PID)
	return best, true
}

// examine pulls the cheap facts for one pid and applies the policy filters.
// Races with exiting processes show up as read errors and mean "skip".
func (s *Selector) examine(pid int) (Process, bool) {
	if pid == s.self || pid == 1 {
		return Process{}, false
	}

	st, err := s.fs.ReadStat(pid)
	if err != nil {
		s.debugSkip(pid, "stat", err)
		return Process{}, false
	}
	// ppid 0 and not init means a kernel thread.
	if st.PPID == 0 && pid != 1 {
		return Process{}, false
	}

	p := Process{
		PID:        pid,
		NumThreads: st.NumThreads,
		State:      st.State,
		PPID:       st.PPID,
		Comm:       st.Comm,
		Starttime:  st.Starttime,
	}

	if p.VmRSSKib, err = s.fs.VmRSSKib(pid); err != nil {
		s.debugSkip(pid, "statm", err)
		return Process{}, false
	}
	// rss 0 with a single thread is a kernel thread or an exited process; a
	// multi-threaded zombie main thread stays in and loses rss tie-breaks.
	if p.VmRSSKib == 0 && p.NumThreads <= 1 {
		return Process{}, false
	}

	if p.OomScore, err = s.fs.OomScore(pid); err != nil {
		s.debugSkip(pid, "oom_score", err)
		return Process{}, false
	}

	if s.policy.IgnorePositiveAdj {
		if p.OomScoreAdj, err = s.fs.OomScoreAdj(pid); err != nil {
			s.debugSkip(pid, "oom_score_adj", err)
			return Process{}, false
		}
		if p.OomScoreAdj > 0 {
			return Process{}, false
		}
	}

	if s.policy.IgnoreRootUser {
		uid, err := s.fs.UID(pid)
		if err != nil {
			s.debugSkip(pid, "status", err)
			return Process{}, false
		}
		p.UID = uid
		if uid == 0 {
			return Process{}, false
		}
	}

	// Prefer the comm file over the stat copy; the content is identical, and
	// when the file read fails the stat copy is kept.
	if comm, err := s.fs.Comm(pid); err == nil {
		p.Comm = comm
	}

	if s.policy.SortByRSS {
		p.Badness = p.VmRSSKib
	} else {
		p.Badness = int64(p.OomScore)
	}
	if s.policy.Prefer != nil && s.policy.Prefer.MatchString(p.Comm) {
		p.Badness += regexBadnessAdj
	}
	if s.policy.Avoid != nil && s.policy.Avoid.MatchString(p.Comm) {
		p.Badness -= regexBadnessAdj
	}
	return p, true
}

func (s *Selector) debugSkip(pid int, what string, err error) {
	if os.IsNotExist(err) {
		// vanished mid-scan, entirely normal
		return
	}
	s.log.Debugf("pid %d: skipping, %s: %v", pid, what, err)
}

// isLarger reports whether cand should replace victim: strict lexicographic
// comparison of (badness, vm_rss_kib, pid). The pid tie-break keeps selection
// deterministic across identical scores.
func isLarger(victim, cand *Process) bool {
	if cand.Badness != victim.Badness {
		return cand.Badness > victim.Badness
	}
	if cand.VmRSSKib != victim.VmRSSKib {
		return cand.VmRSSKib > victim.VmRSSKib
	}
	return cand.PID > victim.PID
}
