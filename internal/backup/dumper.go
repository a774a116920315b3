package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"inventory-backup/internal/database"
	"inventory-backup/internal/logging"
)

// ProcessRunner starts an external program and waits for it
type ProcessRunner interface {
	Run(ctx context.Context, cmd ProcessCommand) error
}

// ProcessCommand describes one external program invocation
type ProcessCommand struct {
	Path   string
	Args   []string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
}

// ProcessError reports a non-zero exit of an external program
type ProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface
func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the underlying error
func (e *ProcessError) Unwrap() error {
	return e.Err
}

const maxStderrBytes = 4096

// ExecRunner runs programs with os/exec. The process is killed when ctx ends.
type ExecRunner struct {
	logger *logging.Logger
}

// NewExecRunner creates a runner
func NewExecRunner(logger *logging.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &ExecRunner{logger: logger}
}

// Run starts cmd and waits for it to exit
func (r *ExecRunner) Run(ctx context.Context, cmd ProcessCommand) error {
	process := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	process.Env = append(os.Environ(), cmd.Env...)
	process.Stdin = cmd.Stdin
	process.Stdout = cmd.Stdout
	process.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	process.Stderr = &limitedWriter{w: &stderr, remaining: maxStderrBytes}

	r.logger.WithFields(map[string]interface{}{
		"command": cmd.Path,
		"args":    strings.Join(logging.SanitizeArgs(cmd.Args), " "),
	}).Debug("Starting external process")

	startTime := time.Now()
	err := process.Run()
	duration := time.Since(startTime)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted after %s: %w", cmd.Path, duration.Round(time.Millisecond), ctxErr)
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &ProcessError{
			Command:  cmd.Path,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}

	r.logger.WithFields(map[string]interface{}{
		"command":     cmd.Path,
		"duration_ms": duration.Milliseconds(),
	}).Debug("External process finished")
	return nil
}

// limitedWriter keeps the head of a stream and discards the rest
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if l.remaining > 0 {
		chunk := p
		if len(chunk) > l.remaining {
			chunk = chunk[:l.remaining]
		}
		written, err := l.w.Write(chunk)
		l.remaining -= written
		if err != nil {
			return written, err
		}
	}
	return n, nil
}

// DumpOptions configures the mysqldump and mysql client invocations
type DumpOptions struct {
	DumpCommand   string   `mapstructure:"dump_command" yaml:"dump_command"`
	ClientCommand string   `mapstructure:"client_command" yaml:"client_command"`
	ExtraArgs     []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// SetDefaults fills in the standard MySQL client binaries
func (o *DumpOptions) SetDefaults() {
	if o.DumpCommand == "" {
		o.DumpCommand = "mysqldump"
	}
	if o.ClientCommand == "" {
		o.ClientCommand = "mysql"
	}
}

// MySQLDumper implements Dumper with the MySQL command line tools
type MySQLDumper struct {
	db      database.DatabaseConfig
	options DumpOptions
	runner  ProcessRunner
}

// NewMySQLDumper creates a dumper for the configured database
func NewMySQLDumper(db database.DatabaseConfig, options DumpOptions, runner ProcessRunner) *MySQLDumper {
	options.SetDefaults()
	db.SetDefaults()
	return &MySQLDumper{db: db, options: options, runner: runner}
}

// connectionArgs never carry the password; it is passed through MYSQL_PWD
func (d *MySQLDumper) connectionArgs() []string {
	return []string{
		"--host=" + d.db.Host,
		fmt.Sprintf("--port=%d", d.db.Port),
		"--user=" + d.db.Username,
		"--protocol=tcp",
	}
}

func (d *MySQLDumper) env() []string {
	if d.db.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + d.db.Password}
}

// Dump streams a consistent logical export of the database into w
func (d *MySQLDumper) Dump(ctx context.Context, w io.Writer) error {
	args := append(d.connectionArgs(),
		"--single-transaction",
		"--quick",
		"--routines",
		"--triggers",
		"--events",
		"--hex-blob",
		"--default-character-set=utf8mb4",
	)
	args = append(args, d.options.ExtraArgs...)
	args = append(args, d.db.Database)

	return d.runner.Run(ctx, ProcessCommand{
		Path:   d.options.DumpCommand,
		Args:   args,
		Env:    d.env(),
		Stdout: w,
	})
}

// Restore feeds a SQL stream into the mysql client
func (d *MySQLDumper) Restore(ctx context.Context, r io.Reader) error {
	args := append(d.connectionArgs(), "--default-character-set=utf8mb4", d.db.Database)

	return d.runner.Run(ctx, ProcessCommand{
		Path:  d.options.ClientCommand,
		Args:  args,
		Env:   d.env(),
		Stdin: r,
	})
}
