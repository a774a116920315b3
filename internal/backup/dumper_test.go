package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"inventory-backup/internal/database"
	"inventory-backup/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records commands and plays back scripted output
type fakeRunner struct {
	commands []ProcessCommand
	stdin    []string
	output   string
	err      error
	block    bool
}

func (f *fakeRunner) Run(ctx context.Context, cmd ProcessCommand) error {
	f.commands = append(f.commands, cmd)
	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		f.stdin = append(f.stdin, string(data))
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if cmd.Stdout != nil && f.output != "" {
		if _, err := io.WriteString(cmd.Stdout, f.output); err != nil {
			return err
		}
	}
	return f.err
}

func testDatabaseConfig() database.DatabaseConfig {
	return database.DatabaseConfig{Host: "db.local", Port: 3307, Username: "backup", Password: "s3cret", Database: "inventory"}
}

func TestMySQLDumper_Dump(t *testing.T) {
	runner := &fakeRunner{output: "CREATE TABLE clients (id INT);\n"}
	dumper := NewMySQLDumper(testDatabaseConfig(), DumpOptions{ExtraArgs: []string{"--no-tablespaces"}}, runner)

	var buf bytes.Buffer
	require.NoError(t, dumper.Dump(context.Background(), &buf))
	assert.Equal(t, "CREATE TABLE clients (id INT);\n", buf.String())

	require.Len(t, runner.commands, 1)
	cmd := runner.commands[0]
	assert.Equal(t, "mysqldump", cmd.Path)
	assert.Contains(t, cmd.Args, "--host=db.local")
	assert.Contains(t, cmd.Args, "--port=3307")
	assert.Contains(t, cmd.Args, "--single-transaction")
	assert.Contains(t, cmd.Args, "--no-tablespaces")
	assert.Equal(t, "inventory", cmd.Args[len(cmd.Args)-1])
	assert.Equal(t, []string{"MYSQL_PWD=s3cret"}, cmd.Env)
	for _, arg := range cmd.Args {
		assert.NotContains(t, arg, "s3cret")
	}
}

func TestMySQLDumper_Restore(t *testing.T) {
	runner := &fakeRunner{}
	dumper := NewMySQLDumper(testDatabaseConfig(), DumpOptions{ClientCommand: "/usr/bin/mariadb"}, runner)

	require.NoError(t, dumper.Restore(context.Background(), strings.NewReader("INSERT INTO clients VALUES (1);")))
	require.Len(t, runner.commands, 1)
	assert.Equal(t, "/usr/bin/mariadb", runner.commands[0].Path)
	assert.Equal(t, []string{"INSERT INTO clients VALUES (1);"}, runner.stdin)
}

func TestMySQLDumper_NoPasswordNoEnv(t *testing.T) {
	runner := &fakeRunner{}
	cfg := testDatabaseConfig()
	cfg.Password = ""
	require.NoError(t, NewMySQLDumper(cfg, DumpOptions{}, runner).Dump(context.Background(), io.Discard))
	assert.Nil(t, runner.commands[0].Env)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_CapturesStdoutAndExitCode(t *testing.T) {
	requireShell(t)
	runner := NewExecRunner(logging.NewDiscardLogger())

	var out bytes.Buffer
	require.NoError(t, runner.Run(context.Background(), ProcessCommand{
		Path:   "sh",
		Args:   []string{"-c", `printf "%s" "$MYSQL_PWD"`},
		Env:    []string{"MYSQL_PWD=pw"},
		Stdout: &out,
	}))
	assert.Equal(t, "pw", out.String())

	err := runner.Run(context.Background(), ProcessCommand{Path: "sh", Args: []string{"-c", "echo access denied >&2; exit 2"}})
	var processErr *ProcessError
	require.True(t, errors.As(err, &processErr))
	assert.Equal(t, 2, processErr.ExitCode)
	assert.Equal(t, "access denied", processErr.Stderr)
}

func TestExecRunner_KilledOnDeadline(t *testing.T) {
	requireShell(t)
	runner := NewExecRunner(logging.NewDiscardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := runner.Run(ctx, ProcessCommand{Path: "sh", Args: []string{"-c", "sleep 10"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, remaining: 4}
	n, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = w.Write([]byte("gh"))
	assert.Equal(t, "abcd", buf.String())
}
