package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/tinyrange/vof/internal/spapr"
	"github.com/tinyrange/vof/internal/vof"
)

// stopped reports whether err is the guest stopping the machine on
// purpose.
func stopped(err error) bool {
	return errors.Is(err, vof.ErrExit) || errors.Is(err, spapr.ErrPowerOff)
}

// consoleWriter returns where guest console output goes. Escape sequences
// are only kept for a terminal.
func consoleWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return f
	}
	return stripWriter{f}
}

type stripWriter struct{ w io.Writer }

func (s stripWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(s.w, ansi.Strip(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// runScript builds the machine of a script and runs its calls, writing the
// results to out and the guest console and uv pipe to console.
func runScript(s *Script, out, console io.Writer, log *slog.Logger) (*spapr.Machine, *machineResources, error) {
	m, res, err := newMachine(s.Machine, console, console, log)
	if err != nil {
		return nil, nil, err
	}
	r, err := newRunner(m, out)
	if err != nil {
		res.Close()
		return nil, nil, err
	}
	for _, c := range s.Calls {
		if _, err := r.run(c); err != nil {
			if stopped(err) {
				fmt.Fprintf(out, "machine stopped: %v\n", err)
				return m, res, nil
			}
			res.Close()
			return nil, nil, err
		}
	}
	return m, res, nil
}

type runCmd struct{}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a client call script against an emulated machine" }
func (*runCmd) Usage() string {
	return `run <script.yaml>

Builds the machine described by the script, then issues its calls through
the client interface and RTAS hypercalls, printing every result.
`
}

func (*runCmd) SetFlags(f *flag.FlagSet) {}

func (*runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	s, err := loadScript(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "vofctl: %v\n", err)
		return subcommands.ExitFailure
	}
	_, res, err := runScript(s, os.Stdout, consoleWriter(os.Stdout), slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "vofctl: %v\n", err)
		return subcommands.ExitFailure
	}
	res.Close()
	return subcommands.ExitSuccess
}

type dumpCmd struct {
	output string
}

func (*dumpCmd) Name() string     { return "dump" }
func (*dumpCmd) Synopsis() string { return "write the device tree of a machine as a DTB" }
func (*dumpCmd) Usage() string {
	return `dump [-o file] <script.yaml>

Runs the script and writes the device tree: the one handed over at quiesce
if the script quiesced the firmware, the live tree otherwise.
`
}

func (d *dumpCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.output, "o", "vof.dtb", "output file")
}

func (d *dumpCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	s, err := loadScript(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "vofctl: %v\n", err)
		return subcommands.ExitFailure
	}
	m, res, err := runScript(s, io.Discard, io.Discard, slog.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "vofctl: %v\n", err)
		return subcommands.ExitFailure
	}
	defer res.Close()

	blob, err := deviceTree(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vofctl: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := os.WriteFile(d.output, blob, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "vofctl: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "vofctl: wrote %d bytes to %s\n", len(blob), d.output)
	return subcommands.ExitSuccess
}

func deviceTree(m *spapr.Machine) ([]byte, error) {
	if blob := m.FDT(); blob != nil {
		return blob, nil
	}
	return m.Tree().Pack()
}
