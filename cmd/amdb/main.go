// Command amdb is a thin reference CLI over the engine package: it
// exposes §6's operational command surface (connect/disconnect/use,
// put/get/delete/batch put, select, show, history, flush) either as a
// one-shot invocation or as an interactive REPL, modeled on the
// teacher's cmd/tk + internal/cli split and cmd/sloty's liner REPL.
// Startup options can also come from a JWCC (JSON-with-comments) config
// file, parsed the same way the teacher's config.go read .tk.json.
//
// The REPL language is not part of the engine's tested contract; it
// exists to exercise the public Engine API end-to-end.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, sigCh))
}

// Run is the process entry point, factored out so tests can drive it
// with in-memory readers/writers instead of the real os.Stdin/Stdout.
func Run(in io.Reader, out, errOut io.Writer, args []string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("amdb", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}

	help := flags.BoolP("help", "h", false, "show help")
	dir := flags.StringP("dir", "d", "", "database directory to connect to on startup")
	configPath := flags.String("config", "", "path to a JWCC config file (default: .amdb.json in the working directory)")

	if err := flags.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			printUsage(out)
			return 0
		}
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	if *help {
		printUsage(out)
		return 0
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	fc, cfgSource, err := loadConfig(workDir, *configPath)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}

	sess := newSession(out, errOut)
	sess.cfg, sess.cfgSource = fc, cfgSource
	defer sess.closeAll()

	startDir := *dir
	if startDir == "" {
		startDir = fc.Dir
	}
	if startDir != "" {
		if err := sess.connect(startDir); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
	}

	rest := flags.Args()
	if len(rest) > 0 {
		// One-shot mode: treat the remaining args as a single command line.
		line := strings.Join(rest, " ")
		ctx := context.Background()
		if err := sess.dispatch(ctx, line); err != nil {
			fmt.Fprintln(errOut, "error:", err)
			return 1
		}
		return 0
	}

	return runREPL(sess, in, out, errOut, sigCh)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "amdb - reference CLI for the embedded versioned key-value store")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  amdb [-d <dir>]                 Start the interactive REPL")
	fmt.Fprintln(w, "  amdb [-d <dir>] <command...>    Run a single command and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -d, --dir <dir>     connect to <dir> on startup")
	fmt.Fprintln(w, "  --config <path>     JWCC config file (default: .amdb.json)")
	fmt.Fprintln(w, "  -h, --help          show this help")
	fmt.Fprintln(w)
	printCommandHelp(w)
}
