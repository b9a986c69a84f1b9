//go:build linux

package kill

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ja7ad/oomguard/pkg/system/proc"
	"github.com/ja7ad/oomguard/pkg/victim"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func statLine(pid int, comm string, state byte, starttime uint64) string {
	fields := []string{
		strconv.Itoa(pid),
		"(" + comm + ")",
		string(rune(state)),
		"1",
		"1", "1", "0", "-1", "4194560",
		"0", "0", "0", "0",
		"0", "0", "0", "0",
		"20", "0",
		"1",
		"0",
		strconv.FormatUint(starttime, 10),
		"10000",
		"32",
	}
	for len(fields) < 52 {
		fields = append(fields, "0")
	}
	return strings.Join(fields, " ") + "\n"
}

func writeVictim(t *testing.T, dir string, pid int, comm string, starttime uint64) {
	t.Helper()
	pd := filepath.Join(dir, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(pd, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pd, "stat"), []byte(statLine(pid, comm, 'S', starttime)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pd, "comm"), []byte(comm+"\n"), 0o644))
}

type signalRecorder struct {
	calls []unix.Signal
	err   error
}

func (r *signalRecorder) send(pid int, sig unix.Signal) error {
	r.calls = append(r.calls, sig)
	return r.err
}

func newTestKiller(t *testing.T, dir string) (*Killer, *signalRecorder) {
	t.Helper()
	k := New(proc.NewFS(dir), testLogger(), false)
	rec := &signalRecorder{}
	k.sendSignal = rec.send
	k.sleep = func(time.Duration) {}
	return k, rec
}

func TestKill_AbortsOnStarttimeMismatch(t *testing.T) {
	dir := t.TempDir()
	writeVictim(t, dir, 1000, "target", 5000)
	k, rec := newTestKiller(t, dir)

	v := victim.Process{PID: 1000, Comm: "target", Starttime: 4000}
	err := k.Kill(v, unix.SIGKILL, "test")
	require.ErrorIs(t, err, ErrVictimChanged)
	assert.Empty(t, rec.calls, "no signal may be sent to a reused pid")
}

func TestKill_AbortsOnCommMismatch(t *testing.T) {
	dir := t.TempDir()
	writeVictim(t, dir, 1000, "impostor", 5000)
	k, rec := newTestKiller(t, dir)

	v := victim.Process{PID: 1000, Comm: "target", Starttime: 5000}
	err := k.Kill(v, unix.SIGKILL, "test")
	require.ErrorIs(t, err, ErrVictimChanged)
	assert.Empty(t, rec.calls)
}

func TestKill_AbortsOnVanishedPid(t *testing.T) {
	k, rec := newTestKiller(t, t.TempDir())

	v := victim.Process{PID: 1000, Comm: "target", Starttime: 5000}
	err := k.Kill(v, unix.SIGKILL, "test")
	require.ErrorIs(t, err, ErrVictimChanged)
	assert.Empty(t, rec.calls)
}

func TestKill_SigkillIsImmediate(t *testing.T) {
	dir := t.TempDir()
	writeVictim(t, dir, 1000, "target", 5000)
	k, rec := newTestKiller(t, dir)

	v := victim.Process{PID: 1000, Comm: "target", Starttime: 5000}
	require.NoError(t, k.Kill(v, unix.SIGKILL, "test"))
	assert.Equal(t, []unix.Signal{unix.SIGKILL}, rec.calls)
}

func TestKill_EsrchIsSuccess(t *testing.T) {
	dir := t.TempDir()
	writeVictim(t, dir, 1000, "target", 5000)
	k, rec := newTestKiller(t, dir)
	rec.err = unix.ESRCH

	v := victim.Process{PID: 1000, Comm: "target", Starttime: 5000}
	require.NoError(t, k.Kill(v, unix.SIGKILL, "test"))
}

func TestKill_EpermIsReported(t *testing.T) {
	dir := t.TempDir()
	writeVictim(t, dir, 1000, "target", 5000)
	k, rec := newTestKiller(t, dir)
	rec.err = unix.EPERM

	v := victim.Process{PID: 1000, Comm: "target", Starttime: 5000}
	err := k.Kill(v, unix.SIGKILL, "test")
	require.ErrorIs(t, err, unix.EPERM)
}

func TestKill_SigtermWithPromptExit(t *testing.T) {
	dir := t.TempDir()
	writeVictim(t, dir, 1000, "target", 5000)
	k, rec := newTestKiller(t, dir)

	// The victim exits at the first liveness poll.
	k.sleep = func(time.Duration) {
		_ = os.RemoveAll(filepath.Join(dir, "1000"))
	}

	v := victim.Process{PID: 1000, Comm: "target", Starttime: 5000}
	require.NoError(t, k.Kill(v, unix.SIGTERM, "test"))
	assert.Equal(t, []unix.Signal{unix.SIGTERM}, rec.calls, "no escalation after a clean exit")
}

func TestKill_SigtermEscalatesToSigkill(t *testing.T) {
	dir := t.TempDir()
	writeVictim(t, dir, 1000, "target", 5000)
	k, rec := newTestKiller(t, dir)

	v := victim.Process{PID: 1000, Comm: "target", Starttime: 5000}
	require.NoError(t, k.Kill(v, unix.SIGTERM, "test"))
	assert.Equal(t, []unix.Signal{unix.SIGTERM, unix.SIGKILL}, rec.calls)
}

// Against the real /proc: spawn a child, kill it for real, and make sure the
// identity guard matched a live process.
func TestKill_RealChild(t *testing.T) {
	if _, err := os.Stat("/proc"); err != nil {
		t.Skip("no /proc")
	}
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	fs := proc.NewFS("")
	st, err := fs.ReadStat(pid)
	require.NoError(t, err)
	comm, err := fs.Comm(pid)
	require.NoError(t, err)

	k := New(fs, testLogger(), false)
	v := victim.Process{PID: pid, Comm: comm, Starttime: st.Starttime}
	require.NoError(t, k.Kill(v, unix.SIGKILL, "test"))

	_, _ = cmd.Process.Wait()
	// After reaping, the pid is gone (or a zombie at worst).
	assert.False(t, fs.IsAlive(pid))
}
