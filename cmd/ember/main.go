// Ember CLI - runs routine images on the ember runtime
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/ember/config"
	"github.com/chazu/ember/vm"
)

var log = commonlog.GetLogger("ember.cmd")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is main without the process exit, so tests can drive it.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ember", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbosity := fs.Int("v", -1, "Log verbosity (overrides config)")
	workers := fs.Int("workers", 0, "Scheduler threads (0 = config or one per core)")
	blocking := fs.Int("blocking", -1, "Blocking pool size (0 = unbounded)")
	reductions := fs.Int("reductions", 0, "Instructions per run segment")
	pin := fs.Bool("pin", false, "Lock each worker to an OS thread")
	output := fs.String("o", "", "Assemble the input to an image file and exit")
	stats := fs.Bool("stats", false, "Print scheduler statistics after the run")
	timeout := fs.Duration("timeout", 0, "Abort the run after this long")
	natives := fs.Bool("natives", false, "List the native functions and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: ember [options] [program] [args...]\n\n")
		fmt.Fprintf(stderr, "Runs a routine image (.img) or assembly source (.toml).\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  ember hello.toml                 # Assemble and run\n")
		fmt.Fprintf(stderr, "  ember hello.toml -o hello.img    # Assemble to an image\n")
		fmt.Fprintf(stderr, "  ember -stats -workers 2 app.img  # Run on two workers\n")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, logPath)

	if *workers > 0 {
		cfg.Runtime.Workers = *workers
	}
	if *blocking >= 0 {
		cfg.Runtime.BlockingThreads = *blocking
	}
	if *reductions > 0 {
		cfg.Runtime.Reductions = *reductions
	}
	if *pin {
		cfg.Runtime.PinWorkers = true
	}

	path := cfg.ImagePath()
	programArgs := cfg.Program.Arguments
	if rest := fs.Args(); len(rest) > 0 {
		path = rest[0]
		programArgs = rest[1:]
	}

	machine := vm.New(vm.Options{
		Workers:         cfg.Runtime.Workers,
		BlockingThreads: cfg.Runtime.BlockingThreads,
		Reductions:      cfg.Runtime.Reductions,
		PinWorkers:      cfg.Runtime.PinWorkers,
		Arguments:       programArgs,
	})

	if *natives {
		for _, name := range machine.Natives.Names() {
			fmt.Fprintln(stdout, name)
		}
		return 0
	}

	if path == "" {
		fs.Usage()
		return 2
	}

	img, err := loadImage(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *output != "" {
		if err := vm.WriteImageFile(*output, img); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		log.Infof("wrote %s (%d routines)", *output, len(img.Routines))
		return 0
	}

	prog, err := machine.Link(img)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	start := time.Now()
	runErr := machine.Run(ctx, prog)
	elapsed := time.Since(start)

	if *stats {
		printStats(stdout, machine.Stats(), elapsed)
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return 1
	}
	return 0
}

// loadConfig finds ember.toml above the working directory and applies the
// EMBER_* overrides.
func loadConfig() (*config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadImage assembles .toml sources and decodes everything else.
func loadImage(path string) (*vm.Image, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return vm.AssembleFile(path)
	}
	return vm.ReadImageFile(path)
}

func printStats(w io.Writer, st vm.Stats, elapsed time.Duration) {
	fmt.Fprintf(w, "vm:         %s\n", st.ID)
	fmt.Fprintf(w, "elapsed:    %s\n", elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "workers:    %d\n", st.Workers)
	fmt.Fprintf(w, "processes:  %s spawned, %s finished\n",
		humanize.Comma(int64(st.Spawned)), humanize.Comma(int64(st.Finished)))
	fmt.Fprintf(w, "preempted:  %s\n", humanize.Comma(int64(st.Preempted)))
	fmt.Fprintf(w, "steals:     %s\n", humanize.Comma(int64(st.Steals)))
	blocking := "unbounded"
	if st.BlockingSize > 0 {
		blocking = humanize.Comma(int64(st.BlockingSize))
	}
	fmt.Fprintf(w, "blocking:   %s threads\n", blocking)
}
