package engine

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/ruteri/vless-provisioning-backend/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cooperativeEngine = `#!/bin/sh
echo "engine started with $*"
trap 'echo "engine stopping"; exit 0' TERM
while true; do sleep 0.05; done
`

const stubbornEngine = `#!/bin/sh
trap '' TERM
echo "engine ignoring signals"
while true; do sleep 0.05; done
`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeEngine(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("engine scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "xray")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, enginePath string) (*Supervisor, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	s := NewSupervisor(SupervisorConfig{
		EnginePath:  enginePath,
		ConfigPath:  "/tmp/config.json",
		StopTimeout: 300 * time.Millisecond,
		SettleDelay: 10 * time.Millisecond,
		Log:         slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	t.Cleanup(s.Stop)
	return s, out
}

func TestSupervisor_StartRelaysOutputAndStops(t *testing.T) {
	s, out := newTestSupervisor(t, writeEngine(t, cooperativeEngine))

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.NotZero(t, s.PID())

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("engine started with run -c /tmp/config.json"))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "source=engine")

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Zero(t, s.PID())
	assert.NotContains(t, out.String(), interfaces.ErrProcessTerminationTimeout.Error())
}

func TestSupervisor_StartTwiceKeepsSingleProcess(t *testing.T) {
	s, out := newTestSupervisor(t, writeEngine(t, cooperativeEngine))

	require.NoError(t, s.Start())
	pid := s.PID()

	require.NoError(t, s.Start())
	assert.Equal(t, pid, s.PID())
	assert.Contains(t, out.String(), "Engine is already running")
}

func TestSupervisor_StopWhenNotRunning(t *testing.T) {
	s, out := newTestSupervisor(t, writeEngine(t, cooperativeEngine))

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Contains(t, out.String(), "Engine is not running")
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, filepath.Join(t.TempDir(), "missing-xray"))

	err := s.Start()
	assert.ErrorIs(t, err, interfaces.ErrProcessLaunch)
	assert.False(t, s.IsRunning())
}

func TestSupervisor_KillsEngineIgnoringTermination(t *testing.T) {
	s, out := newTestSupervisor(t, writeEngine(t, stubbornEngine))

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("engine ignoring signals"))
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Contains(t, out.String(), interfaces.ErrProcessTerminationTimeout.Error())
}

func TestSupervisor_Restart(t *testing.T) {
	s, _ := newTestSupervisor(t, writeEngine(t, cooperativeEngine))

	require.NoError(t, s.Start())
	firstPID := s.PID()

	require.NoError(t, s.Restart(context.Background()))
	assert.True(t, s.IsRunning())
	assert.NotEqual(t, firstPID, s.PID())
}

func TestSupervisor_RestartFromStopped(t *testing.T) {
	s, _ := newTestSupervisor(t, writeEngine(t, cooperativeEngine))

	require.NoError(t, s.Restart(context.Background()))
	assert.True(t, s.IsRunning())
}

func TestSupervisor_RestartInterrupted(t *testing.T) {
	s, _ := newTestSupervisor(t, writeEngine(t, cooperativeEngine))
	s.cfg.SettleDelay = time.Minute

	require.NoError(t, s.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Restart(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.IsRunning())
}

func TestSupervisor_ConcurrentRestartsLeaveOneProcess(t *testing.T) {
	s, _ := newTestSupervisor(t, writeEngine(t, cooperativeEngine))
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Restart(context.Background()))
		}()
	}
	wg.Wait()

	assert.True(t, s.IsRunning())
	pid := s.PID()
	s.Stop()
	assert.False(t, processAlive(pid))
}

func TestSupervisor_DetectsUnexpectedExit(t *testing.T) {
	s, out := newTestSupervisor(t, writeEngine(t, "#!/bin/sh\necho bye\nexit 3\n"))

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("Engine exited unexpectedly"))
	}, 2*time.Second, 10*time.Millisecond)

	// the dead handle is replaced on the next start
	require.NoError(t, s.Start())
}

func TestSupervisor_RunningGaugeFollowsStopThenStart(t *testing.T) {
	s, _ := newTestSupervisor(t, writeEngine(t, cooperativeEngine))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Start())
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EngineRunning))

		s.Stop()
		assert.Equal(t, float64(0), testutil.ToFloat64(metrics.EngineRunning))
	}

	require.NoError(t, s.Start())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EngineRunning))
}
