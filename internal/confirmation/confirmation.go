// Package confirmation asks the operator before destructive operations.
package confirmation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"inventory-backup/internal/backup"
	"inventory-backup/internal/display"

	"github.com/mattn/go-isatty"
)

// ErrNotInteractive is returned when a prompt is needed but stdin is not a terminal
var ErrNotInteractive = errors.New("confirmation required but stdin is not a terminal (use --yes)")

// Service asks for confirmation of operations that overwrite live data
type Service interface {
	ConfirmRestore(record *backup.SnapshotRecord, autoApprove bool) (bool, error)
	ConfirmImport(entity string, records int, autoApprove bool) (bool, error)
}

type service struct {
	colors      *display.ColorSystem
	reader      *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewService creates a service prompting on stdin and writing to out
func NewService(out io.Writer, useColors bool) Service {
	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	return NewServiceWithInput(os.Stdin, out, useColors, interactive)
}

// NewServiceWithInput creates a service reading answers from in. A service
// that is not interactive refuses every prompt with ErrNotInteractive.
func NewServiceWithInput(in io.Reader, out io.Writer, useColors, interactive bool) Service {
	return &service{
		colors:      display.NewColorSystem(display.DarkColorTheme(), useColors),
		reader:      bufio.NewReader(in),
		out:         out,
		interactive: interactive,
	}
}

// ConfirmRestore describes what a restore replaces and asks before running it
func (s *service) ConfirmRestore(record *backup.SnapshotRecord, autoApprove bool) (bool, error) {
	if autoApprove {
		return true, nil
	}

	var target string
	switch record.Kind {
	case backup.KindEntitySnapshot:
		target = fmt.Sprintf("every record of %s", record.SourceFingerprint)
	case backup.KindFullDump:
		target = fmt.Sprintf("the whole database %s", record.SourceFingerprint)
	default:
		target = fmt.Sprintf("the asset directory %s", record.SourceFingerprint)
	}

	s.warn(fmt.Sprintf("Restoring %s replaces %s with its state of %s.",
		record.ID, target, record.CreatedAt.Local().Format(time.RFC1123)))
	return s.ask("Do you want to restore this snapshot? [y/N]: ")
}

// ConfirmImport asks before an entity is replaced by imported records
func (s *service) ConfirmImport(entity string, records int, autoApprove bool) (bool, error) {
	if autoApprove {
		return true, nil
	}

	s.warn(fmt.Sprintf("Importing replaces every record of %s with %d new record(s). A restore point is taken first.", entity, records))
	return s.ask("Do you want to continue? [y/N]: ")
}

func (s *service) warn(message string) {
	fmt.Fprintln(s.out, s.colors.Colorize("! "+message, s.colors.Theme().Warning))
}

// ask prompts until it gets a yes or no. An interrupt counts as no.
func (s *service) ask(prompt string) (bool, error) {
	if !s.interactive {
		return false, ErrNotInteractive
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	answers := make(chan string, 1)
	failures := make(chan error, 1)
	go func() {
		for {
			fmt.Fprint(s.out, s.colors.Colorize(prompt, s.colors.Theme().Primary))
			input, err := s.reader.ReadString('\n')
			if err != nil && (input == "" || !errors.Is(err, io.EOF)) {
				failures <- err
				return
			}
			answer, ok := parseAnswer(input)
			if ok {
				answers <- answer
				return
			}
			fmt.Fprintf(s.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", strings.TrimSpace(input))
			if err != nil {
				failures <- err
				return
			}
		}
	}()

	select {
	case <-interrupts:
		fmt.Fprintln(s.out, s.colors.Colorize("\nOperation cancelled by user", s.colors.Theme().Warning))
		return false, nil
	case err := <-failures:
		return false, fmt.Errorf("failed to read user input: %w", err)
	case answer := <-answers:
		return answer == "y", nil
	}
}

func parseAnswer(input string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return "y", true
	case "n", "no", "":
		return "n", true
	default:
		return "", false
	}
}
