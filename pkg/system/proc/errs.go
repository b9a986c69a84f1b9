package proc

import "errors"

var (
	// ErrNoStat indicates that /proc/<pid>/stat was empty or malformed.
	ErrNoStat = errors.New("proc: malformed or empty stat")

	// ErrShortStat indicates that /proc/<pid>/stat had fewer fields than expected.
	ErrShortStat = errors.New("proc: short stat")

	// ErrNoStatm indicates that /proc/<pid>/statm was empty or malformed.
	ErrNoStatm = errors.New("proc: malformed or empty statm")

	// ErrBadScore indicates oom_score or oom_score_adj did not hold a single integer.
	ErrBadScore = errors.New("proc: malformed oom score")

	// ErrNoUID indicates /proc/<pid>/status had no parseable Uid line.
	ErrNoUID = errors.New("proc: no uid in status")
)
