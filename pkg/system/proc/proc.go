//go:build linux

package proc

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tklauser/go-sysconf"

	"github.com/ja7ad/oomguard/pkg/system/util"
)

// DefaultDir is the canonical proc mount point.
const DefaultDir = "/proc"

// CommLen is the kernel's comm limit: 15 bytes plus the terminator.
const CommLen = 16

// FS reads process information from a proc filesystem mount. The zero value
// is not usable; construct with NewFS.
type FS struct {
	dir      string
	pageSize int64
}

// NewFS returns an FS rooted at dir ("" means /proc).
func NewFS(dir string) *FS {
	if dir == "" {
		dir = DefaultDir
	}
	return &FS{dir: dir, pageSize: pageSize()}
}

// pageSize asks sysconf first and falls back to the runtime's notion.
func pageSize() int64 {
	if ps, err := sysconf.Sysconf(sysconf.SC_PAGE_SIZE); err == nil && ps > 0 {
		return ps
	}
	return int64(os.Getpagesize())
}

// Dir returns the proc mount root this FS reads from.
func (fs *FS) Dir() string { return fs.dir }

func (fs *FS) path(pid int, file string) string {
	return filepath.Join(fs.dir, strconv.Itoa(pid), file)
}

// Pids enumerates the numeric directory entries of the proc root.
func (fs *FS) Pids() ([]int, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Stat holds the fields of /proc/<pid>/stat the daemon cares about.
type Stat struct {
	Comm       string
	State      byte
	PPID       int
	NumThreads int
	Starttime  uint64
	RSSPages   int64
}

// Field positions after the closing paren of comm, per proc(5). The first
// field after ')' is state (field 3 overall).
const (
	fieldState      = 0
	fieldPPID       = 1
	fieldNumThreads = 17
	fieldStarttime  = 19
	fieldRSS        = 21
)

// ReadStat parses /proc/<pid>/stat. The comm field is untrusted: it may
// contain ')', spaces, tabs, newlines and decoys of later state characters,
// so the split point is the rightmost ')' in the buffer.
func (fs *FS) ReadStat(pid int) (Stat, error) {
	buf, err := os.ReadFile(fs.path(pid, "stat"))
	if err != nil {
		return Stat{}, err
	}
	return parseStat(buf)
}

func parseStat(buf []byte) (Stat, error) {
	open := bytes.IndexByte(buf, '(')
	closing := bytes.LastIndexByte(buf, ')')
	if open < 0 || closing < open {
		return Stat{}, ErrNoStat
	}
	var st Stat
	st.Comm = string(buf[open+1 : closing])

	fields := strings.Fields(string(buf[closing+1:]))
	if len(fields) <= fieldRSS {
		return Stat{}, ErrShortStat
	}
	if len(fields[fieldState]) != 1 {
		return Stat{}, fmt.Errorf("%w: state %q", ErrNoStat, fields[fieldState])
	}
	st.State = fields[fieldState][0]

	var err error
	if st.PPID, err = strconv.Atoi(fields[fieldPPID]); err != nil {
		return Stat{}, fmt.Errorf("%w: ppid: %v", ErrNoStat, err)
	}
	if st.NumThreads, err = strconv.Atoi(fields[fieldNumThreads]); err != nil {
		return Stat{}, fmt.Errorf("%w: num_threads: %v", ErrNoStat, err)
	}
	if st.Starttime, err = strconv.ParseUint(fields[fieldStarttime], 10, 64); err != nil {
		return Stat{}, fmt.Errorf("%w: starttime: %v", ErrNoStat, err)
	}
	if st.RSSPages, err = strconv.ParseInt(fields[fieldRSS], 10, 64); err != nil {
		return Stat{}, fmt.Errorf("%w: rss: %v", ErrNoStat, err)
	}
	return st, nil
}

// IsAlive reports whether pid exists and is neither a zombie nor dead.
// A missing or unreadable stat file counts as not alive.
func (fs *FS) IsAlive(pid int) bool {
	st, err := fs.ReadStat(pid)
	if err != nil {
		return false
	}
	return st.State != 'Z' && st.State != 'X'
}

// VmRSSKib returns the resident set size in KiB from statm field 2. A zombie
// whose main thread is gone reads as zero while sibling threads live on; the
// value is surfaced unchanged and callers compensate via tie-breaks.
func (fs *FS) VmRSSKib(pid int) (int64, error) {
	buf, err := os.ReadFile(fs.path(pid, "statm"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(buf))
	if len(fields) < 2 {
		return 0, ErrNoStatm
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoStatm, err)
	}
	return pages * fs.pageSize / 1024, nil
}

// OomScore reads the kernel's badness heuristic for pid.
func (fs *FS) OomScore(pid int) (int, error) {
	return fs.readInt(pid, "oom_score")
}

// OomScoreAdj reads the userspace bias, range [-1000, 1000].
func (fs *FS) OomScoreAdj(pid int) (int, error) {
	return fs.readInt(pid, "oom_score_adj")
}

func (fs *FS) readInt(pid int, file string) (int, error) {
	buf, err := os.ReadFile(fs.path(pid, file))
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrBadScore, file, err)
	}
	return v, nil
}

// SetSelfOomScoreAdj biases the kernel OOM killer away from (or toward) the
// calling process.
func (fs *FS) SetSelfOomScoreAdj(v int) error {
	path := filepath.Join(fs.dir, "self", "oom_score_adj")
	return os.WriteFile(path, []byte(strconv.Itoa(v)), 0o644)
}

// Comm returns the process's base command name, at most 15 printable bytes as
// the kernel enforces, without the trailing newline.
func (fs *FS) Comm(pid int) (string, error) {
	buf, err := os.ReadFile(fs.path(pid, "comm"))
	if err != nil {
		return "", err
	}
	s := strings.TrimSuffix(string(buf), "\n")
	if len(s) >= CommLen {
		s = s[:CommLen-1]
	}
	return s, nil
}

// Cmdline returns the process command line with NUL separators rendered as
// spaces, stopping at the first double NUL. The result is truncated to max
// bytes and repaired so a rune cut in half does not leak out.
func (fs *FS) Cmdline(pid int, max int) (string, error) {
	buf, err := os.ReadFile(fs.path(pid, "cmdline"))
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if c == 0 {
			if i+1 < len(buf) && buf[i+1] == 0 {
				break
			}
			c = ' '
		}
		out = append(out, c)
	}
	s := strings.TrimRight(string(out), " ")
	if max > 0 && len(s) > max {
		s = util.FixTruncatedUTF8(s[:max])
	}
	return s, nil
}

// UID returns the real uid of pid from the Uid line of /proc/<pid>/status.
func (fs *FS) UID(pid int) (uint32, error) {
	buf, err := os.ReadFile(fs.path(pid, "status"))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(buf), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line[len("Uid:"):])
		if len(fields) < 1 {
			return 0, ErrNoUID
		}
		uid, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoUID, err)
		}
		return uint32(uid), nil
	}
	return 0, ErrNoUID
}
