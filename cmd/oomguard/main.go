//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ja7ad/oomguard/pkg/config"
	"github.com/ja7ad/oomguard/pkg/kill"
	"github.com/ja7ad/oomguard/pkg/monitor"
	"github.com/ja7ad/oomguard/pkg/system/cgroup"
	"github.com/ja7ad/oomguard/pkg/system/meminfo"
	"github.com/ja7ad/oomguard/pkg/system/proc"
	"github.com/ja7ad/oomguard/pkg/types"
	"github.com/ja7ad/oomguard/pkg/victim"
)

// version is stamped by the build.
var version = "1.0.0"

// Exit codes are part of the CLI contract.
const (
	exitExtraArg = 13 // extra positional argument
	exitBadMem   = 15 // invalid -m / -M
	exitBadSwap  = 16 // invalid -s / -S
)

// Memory percentages top out below 100: watching for "less than all of it
// free" is the entire point. Swap may be set to 100 to ignore it.
const (
	memUpperLimit  = 99
	swapUpperLimit = 100
)

// fatalError carries the exit code of a startup failure.
type fatalError struct {
	code int
	err  error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatalf(code int, format string, args ...any) *fatalError {
	return &fatalError{code: code, err: fmt.Errorf(format, args...)}
}

type opts struct {
	version bool

	mem     string
	swap    string
	memKib  string
	swapKib string

	reportSecs float64
	priority   bool
	debug      bool
	notify     bool

	avoid             string
	prefer            string
	ignoreRootUser    bool
	ignorePositiveAdj bool
	sortByRSS         bool
	legacyIgnore      bool

	procdir     string
	meminfoPath string
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		code := 1
		var fe *fatalError
		if errors.As(err, &fe) {
			code = fe.code
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(code)
	}
}

func newRootCmd() *cobra.Command {
	var o opts

	root := &cobra.Command{
		Use:   "oomguard",
		Short: "Early-acting userspace out-of-memory daemon",
		Long: `oomguard watches kernel memory pressure and terminates the process most
responsible for the shortage before the machine starts thrashing and the
in-kernel OOM killer wakes up.

It polls /proc/meminfo with an adaptive interval, arms SIGTERM when free
memory or free swap fall below the configured thresholds, and escalates to
SIGKILL when they fall further.

Examples:
  oomguard                  # defaults: act below 10% free, kill below 5%
  oomguard -m 5,2 -s 50     # tighter memory trip points, relaxed swap
  oomguard --avoid '^(init|sshd)$' --prefer '^chromium$'`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&o, args)
		},
	}
	root.SetOut(os.Stderr)
	root.CompletionOptions.DisableDefaultCmd = true

	fl := root.Flags()
	fl.BoolP("help", "h", false, "this help text")
	fl.BoolVarP(&o.version, "version", "v", false, "print version information and exit")

	fl.StringVarP(&o.mem, "mem", "m", "10", "memory SIGTERM[,SIGKILL] thresholds in percent")
	fl.StringVarP(&o.swap, "swap", "s", "10", "swap SIGTERM[,SIGKILL] thresholds in percent")
	fl.StringVarP(&o.memKib, "mem-kib", "M", "", "memory SIGTERM[,SIGKILL] thresholds in KiB (overrides -m)")
	fl.StringVarP(&o.swapKib, "swap-kib", "S", "", "swap SIGTERM[,SIGKILL] thresholds in KiB (overrides -s)")

	fl.Float64VarP(&o.reportSecs, "report-interval", "r", 1, "status line interval in seconds (0 disables)")
	fl.BoolVarP(&o.priority, "priority", "p", false, "raise own scheduling priority (niceness -20)")
	fl.BoolVarP(&o.debug, "debug", "d", false, "log every scan decision")
	fl.BoolVarP(&o.notify, "notify", "n", false, "send desktop notifications via notify-send")

	fl.StringVar(&o.avoid, "avoid", "", "regexp of process names to avoid killing")
	fl.StringVar(&o.prefer, "prefer", "", "regexp of process names to prefer killing")
	fl.BoolVar(&o.ignoreRootUser, "ignore-root-user", false, "never pick processes owned by root")
	fl.BoolVar(&o.ignorePositiveAdj, "ignore-positive-adj", false, "skip processes with oom_score_adj > 0")
	fl.BoolVar(&o.sortByRSS, "sort-by-rss", false, "rank candidates by resident set size instead of oom_score")

	// accepted for compatibility with old unit files, does nothing
	fl.BoolVarP(&o.legacyIgnore, "ignore", "i", false, "accepted and ignored (legacy)")
	_ = fl.MarkHidden("ignore")

	fl.StringVar(&o.procdir, "procdir", proc.DefaultDir, "proc filesystem root")
	fl.StringVar(&o.meminfoPath, "meminfo", meminfo.DefaultPath, "meminfo file")
	_ = fl.MarkHidden("procdir")
	_ = fl.MarkHidden("meminfo")

	return root
}

func run(o *opts, args []string) error {
	if o.version {
		fmt.Fprintf(os.Stderr, "oomguard v%s\n", version)
		return nil
	}
	if len(args) > 0 {
		return fatalf(exitExtraArg, "extra argument not understood: %q", args[0])
	}

	log, dbg := newLoggers(o.debug)

	mem, err := meminfo.NewReader(o.meminfoPath, log)
	if err != nil {
		return fatalf(1, "%v", err)
	}
	defer mem.Close()
	st, err := mem.Read()
	if err != nil {
		return fatalf(1, "%v", err)
	}

	cfg, err := buildConfig(o, st)
	if err != nil {
		return err
	}

	printBanner(cfg, st)
	if o.legacyIgnore {
		log.Info("-i is accepted for compatibility and ignored")
	}
	if ver, detail, err := cgroup.Detect(cfg.ProcDir); err == nil {
		log.Infof("%s (%s)", ver, detail)
	}

	fs := proc.NewFS(cfg.ProcDir)
	protectSelf(o, fs, log)

	sel := victim.NewSelector(fs, cfg.Policy, dbg)
	killer := kill.New(fs, log, cfg.Notify)
	mon := monitor.New(cfg, mem, sel, killer, log, dbg)

	// Warm-up scan, run only with -d: surfaces permission problems right away
	// and dumps the current candidate ranking before any pressure builds.
	if cfg.Debug {
		if v, ok := sel.Find(); ok {
			dbg.Debugf("startup scan complete, current victim would be pid %d %q (rss %s)",
				v.PID, v.Comm, types.Kib(v.VmRSSKib).Humanized())
		} else {
			log.Warn("startup scan found no eligible victim")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return mon.Run(ctx)
}

// buildConfig resolves flags against the observed totals into the immutable
// runtime configuration.
func buildConfig(o *opts, st meminfo.State) (*config.Config, error) {
	cfg := &config.Config{
		ProcDir:        o.procdir,
		MeminfoPath:    o.meminfoPath,
		ReportInterval: time.Duration(o.reportSecs * float64(time.Second)),
		Debug:          o.debug,
		Notify:         o.notify,
	}

	var err error
	if cfg.Mem, err = config.ThresholdsFromTuple(o.mem, memUpperLimit); err != nil {
		return nil, &fatalError{code: exitBadMem, err: err}
	}
	if o.memKib != "" {
		if cfg.Mem, err = config.ThresholdsFromKib(o.memKib, st.MemTotal); err != nil {
			return nil, &fatalError{code: exitBadMem, err: err}
		}
	}
	if cfg.Swap, err = config.ThresholdsFromTuple(o.swap, swapUpperLimit); err != nil {
		return nil, &fatalError{code: exitBadSwap, err: err}
	}
	if o.swapKib != "" {
		if cfg.Swap, err = config.ThresholdsFromKib(o.swapKib, st.SwapTotal); err != nil {
			return nil, &fatalError{code: exitBadSwap, err: err}
		}
	}

	if o.avoid != "" {
		if cfg.Policy.Avoid, err = regexp.Compile(o.avoid); err != nil {
			return nil, fatalf(1, "bad --avoid regexp: %v", err)
		}
	}
	if o.prefer != "" {
		if cfg.Policy.Prefer, err = regexp.Compile(o.prefer); err != nil {
			return nil, fatalf(1, "bad --prefer regexp: %v", err)
		}
	}
	cfg.Policy.IgnoreRootUser = o.ignoreRootUser
	cfg.Policy.IgnorePositiveAdj = o.ignorePositiveAdj
	cfg.Policy.SortByRSS = o.sortByRSS
	return cfg, nil
}

// printBanner writes the startup contract lines to stderr.
func printBanner(cfg *config.Config, st meminfo.State) {
	fmt.Fprintf(os.Stderr, "oomguard v%s\n", version)
	fmt.Fprintf(os.Stderr, "mem total: %d MiB, min: %d MiB (%.2f %%)\n",
		st.MemTotal.MiB(), cfg.Mem.MinKib(st.MemTotal).MiB(), cfg.Mem.Term)
	fmt.Fprintf(os.Stderr, "swap total: %d MiB, min: %d MiB (%.2f %%)\n",
		st.SwapTotal.MiB(), cfg.Swap.MinKib(st.SwapTotal).MiB(), cfg.Swap.Term)
	fmt.Fprintf(os.Stderr, "sending SIGTERM when mem <= %5.2f%% and swap <= %5.2f%%,\n",
		cfg.Mem.Term, cfg.Swap.Term)
	fmt.Fprintf(os.Stderr, "        SIGKILL when mem <= %5.2f%% and swap <= %5.2f%%\n",
		cfg.Mem.Kill, cfg.Swap.Kill)

	if cfg.Policy.Avoid != nil {
		fmt.Fprintf(os.Stderr, "Will avoid killing processes matching %q\n", cfg.Policy.Avoid)
	}
	if cfg.Policy.Prefer != nil {
		fmt.Fprintf(os.Stderr, "Preferring to kill processes matching %q\n", cfg.Policy.Prefer)
	}
	if cfg.Policy.IgnorePositiveAdj {
		fmt.Fprintln(os.Stderr, "Ignoring positive oom_score_adj values")
	}
}

// protectSelf keeps the daemon itself out of harm's way: its pages stay in
// RAM, the kernel OOM killer leaves it alone, and -p gets it scheduled ahead
// of the processes it competes with under pressure. All best-effort; a
// daemon running unprivileged still does useful work.
func protectSelf(o *opts, fs *proc.FS, log *logrus.Logger) {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE | unix.MCL_ONFAULT); err != nil {
		log.Warnf("could not lock memory: %v. Run as root?", err)
	}
	if err := fs.SetSelfOomScoreAdj(-1000); err != nil {
		log.Warnf("could not set own oom_score_adj: %v", err)
	}
	if o.priority {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, -20); err != nil {
			log.Warnf("could not raise priority: %v", err)
		}
	}
}

func newLoggers(debug bool) (*logrus.Logger, *logrus.Logger) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	dbg := logrus.New()
	dbg.SetOutput(os.Stdout)
	dbg.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if debug {
		log.SetLevel(logrus.DebugLevel)
		dbg.SetLevel(logrus.DebugLevel)
	} else {
		dbg.SetLevel(logrus.WarnLevel)
	}
	return log, dbg
}
