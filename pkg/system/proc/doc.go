// Package proc reads per-process facts from a proc filesystem mount.
//
// Overview
//
//   - FS is the handle: it carries the mount root (normally /proc, a synthetic
//     tree in tests) and the page size used to convert statm pages to KiB.
//
//   - Accessors open, read and close their file within one call, so a scan
//     over the whole process table never holds more than one transient fd.
//
//   - A vanished process (ENOENT) is reported distinctly from a parse
//     failure: the former satisfies errors.Is(err, fs.ErrNotExist), the
//     latter wraps one of the sentinel errors in errs.go. Races with exiting
//     processes are expected; callers skip and move on.
//
// The one genuinely hostile input is /proc/<pid>/stat: the comm field is
// wrapped in parentheses and may itself contain ')', whitespace, newlines and
// bytes that mimic the state character of a later field. ReadStat therefore
// scans for the *rightmost* ')' and only then splits the remainder by
// position. A left-to-right scan is a correctness bug.
package proc
