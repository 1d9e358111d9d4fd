// ccos - boots the toy operating environment headless: compiles the
// entry program from the virtual file system and runs the machine until
// the process table drains, then prints the final screen.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tliron/commonlog"

	"github.com/Codeyellow27/ccos/config"
	"github.com/Codeyellow27/ccos/kernel"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose logging")
	configDir := flag.String("c", ".", "Directory containing ccos.toml")
	entry := flag.String("run", "", "Program to run instead of the configured entry")
	dump := flag.Bool("dump", true, "Print the final screen on exit")
	maxTicks := flag.Int("max-ticks", 0, "Stop after this many scheduler ticks (0 = unlimited)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ccos [options] [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Boots the machine, compiles the entry program, and runs until every\n")
		fmt.Fprintf(os.Stderr, "process exits. Extra args become the program's argv tail.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  ccos                      # run the configured entry (/bin/init)\n")
		fmt.Fprintf(os.Stderr, "  ccos -run /bin/demo a b   # run /bin/demo with argv [a b]\n")
		fmt.Fprintf(os.Stderr, "  ccos -c /etc/ccos         # load /etc/ccos/ccos.toml\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	cfg := config.LoadOrDefault(*configDir)
	k, err := kernel.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error booting kernel: %v\n", err)
		os.Exit(1)
	}

	program := cfg.VM.Entry
	if *entry != "" {
		program = *entry
	}
	argv := append([]string{program}, flag.Args()...)
	if _, err := k.Exec(program, argv); err != nil {
		fmt.Fprintf(os.Stderr, "Error compiling %s: %v\n", program, err)
		os.Exit(1)
	}

	frame := time.Second / time.Duration(int(cfg.Tuning.TargetFPS))
	last := time.Now()
	for ticks := 0; ; ticks++ {
		elapsed := time.Since(last)
		last = time.Now()
		fps := cfg.Tuning.TargetFPS
		if elapsed > 0 {
			fps = float64(time.Second) / float64(elapsed)
		}
		if !k.Tick(fps) {
			break
		}
		if *maxTicks > 0 && ticks+1 >= *maxTicks {
			break
		}
		if sleep := frame - time.Since(last); sleep > 0 {
			time.Sleep(sleep)
		}
	}

	if err := k.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error on shutdown: %v\n", err)
		os.Exit(1)
	}

	if *dump {
		rows, _ := k.Console().Size()
		for r := 0; r < rows; r++ {
			line := strings.TrimRight(k.Console().Row(r), " ")
			fmt.Println(line)
		}
	}
}
