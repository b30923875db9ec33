package sandbox

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/boltshell/internal/osc"
	"github.com/opensandbox/boltshell/internal/shell"
	"github.com/opensandbox/boltshell/internal/shell/shelltest"
)

func bashRuntime(t *testing.T) *PTYRuntime {
	t.Helper()
	if testing.Short() {
		t.Skip("spawns bash")
	}
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	return NewPTYRuntime(PTYOptions{
		ShellPath: bash,
		Dir:       t.TempDir(),
		Env:       []string{"HOME=" + t.TempDir()},
		RCDir:     t.TempDir(),
		KillGrace: 500 * time.Millisecond,
	})
}

var printfFormat = regexp.MustCompile(`printf '([^']*)'`)

func TestRCShim_DecodesToProtocolEvents(t *testing.T) {
	unescape := strings.NewReplacer(`\033`, "\x1b", `\007`, "\a", "%s", "7")
	var stream strings.Builder
	for _, m := range printfFormat.FindAllStringSubmatch(rcShim, -1) {
		stream.WriteString(unescape.Replace(m[1]))
	}

	var kinds []osc.Kind
	for _, tok := range osc.NewDecoder().Feed([]byte(stream.String())) {
		kinds = append(kinds, tok.Kind)
		if tok.Kind == osc.Exit {
			assert.Equal(t, 7, tok.Code)
		}
	}
	assert.Equal(t, []osc.Kind{osc.Exit, osc.Prompt, osc.Interactive}, kinds)
}

func TestPTYRuntime_ExecutesThroughShell(t *testing.T) {
	rt := bashRuntime(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	term := shelltest.NewTerminal(100, 30)
	sh := shell.New(shell.Options{})
	require.NoError(t, sh.Init(ctx, rt, term))
	defer sh.Close()

	res, err := sh.ExecuteCommand(ctx, "bolt", "echo boltshell-$((40+2))")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "boltshell-42")

	res, err = sh.ExecuteCommand(ctx, "bolt", "(exit 7)")
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)

	res, err = sh.ExecuteCommand(ctx, "bolt", "stty size")
	require.NoError(t, err)
	assert.Contains(t, res.Output, "30 100")
}

func TestPTYRuntime_FirstCommandsAfterSpawnStayAligned(t *testing.T) {
	rt := bashRuntime(t)
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sh := shell.New(shell.Options{})
		require.NoError(t, sh.Init(ctx, rt, shelltest.NewTerminal(80, 24)))

		first, err := sh.ExecuteCommand(ctx, "bolt", "echo first-$((1+1))")
		require.NoError(t, err)
		second, err := sh.ExecuteCommand(ctx, "bolt", "(exit 7)")
		require.NoError(t, err)
		_ = sh.Close()
		cancel()

		assert.Contains(t, first.Output, "first-2", "spawn %d", i)
		assert.Equal(t, 0, first.ExitCode, "spawn %d", i)
		assert.NotContains(t, second.Output, "first-2", "spawn %d", i)
		assert.Equal(t, 7, second.ExitCode, "spawn %d", i)
	}
}

func TestPTYRuntime_KillEndsProcessGroup(t *testing.T) {
	rt := bashRuntime(t)
	p, err := rt.Spawn(context.Background(), shell.SpawnOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	require.NoError(t, p.Resize(120, 40))
	require.NoError(t, p.Kill())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell still running after Kill")
	}
	assert.NotEqual(t, 0, p.ExitCode())
	require.NoError(t, p.Kill(), "second kill")
	require.NoError(t, p.Resize(80, 24), "resize after exit")
}

func TestPTYRuntime_SpawnFailure(t *testing.T) {
	rt := NewPTYRuntime(PTYOptions{RCDir: t.TempDir()})
	_, err := rt.Spawn(context.Background(), shell.SpawnOptions{Path: "/nonexistent/shell"})
	assert.Error(t, err)
}
