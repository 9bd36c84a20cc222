package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/scopebench/batch"
	"github.com/nasa-jpl/scopebench/bench"
	"github.com/nasa-jpl/scopebench/config"
	"github.com/nasa-jpl/scopebench/export"
	"github.com/nasa-jpl/scopebench/measure"
	"github.com/nasa-jpl/scopebench/script"
	"github.com/nasa-jpl/scopebench/visa"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	flags = config.Flags("scopebench")

	iterations = flags.Int("iterations", 1, "batch: number of times the script is run")
	acquire    = flags.Bool("acquire", false, "batch: digitize before each iteration")
	interval   = flags.Duration("interval", 0, "batch: minimum time between iteration starts")
	out        = flags.StringP("out", "o", "", "exec, batch: write the results here, format by extension (.csv .json .xlsx .msgpack); stdout CSV if empty")
	ref        = flags.Int("ref", 0, "measure: reference channel of dual source measurements")
	digitize   = flags.Bool("digitize", false, "capture: digitize before saving")
	overwrite  = flags.Bool("overwrite", false, "capture: replace an existing capture directory")
	watch      = flags.Bool("watch", true, "serve: reload "+config.FileName+" when it changes")
)

func root() {
	str := `scopebench controls a Keysight InfiniiVision oscilloscope: one-off
measurements, waveform captures, scripted measurement sequences and batches
of them, through an HTTP interface or from the command line.

Usage:
	scopebench <command> [flags] [args]

Commands:
	serve (or run)
	exec <script.json>
	batch <script.json>
	merge <dir>
	measure <kind> <channel>
	capture
	detect
	idn
	help
	mkconf
	conf
	version

Flags:`
	fmt.Println(str)
	flags.PrintDefaults()
}

func help() {
	str := `scopebench is configured by scopebench.yml in the --config directory.  For
a primer on YAML, see https://yaml.org/start.html

Settings are layered, later layers win:
	compiled in defaults, see scopebench conf
	scopebench.yml
	config.txt, KEY=VALUE lines as written by earlier versions
	SCOPEBENCH_ environment variables, e.g. SCOPEBENCH_VISA_ADDRESS,
	SCOPEBENCH_MONITOR__CHANNEL for the monitor section
	command line flags

The VISA address may be a USB resource (USB0::0x0957::0x1780::MY55310270::0::INSTR),
a LAN resource (TCPIP0::192.168.1.10::INSTR, port 5025 is used) or plain
host:port.  scopebench detect lists what is attached.

The panel files, axis_config.json, waveform_config.json,
measurement_config.json, configurations.json and script.json, are kept in
base_directory.  Captures and merged results go to save_directory.

Measurement kinds are named as on the scope, e.g. Vpp, Frequency,
"Pulse Width", Phase; the SCPI mnemonic (PWID, FREQuency) works too.`
	fmt.Println(str)
}

func mkconf() {
	dir := config.Dir(flags)
	if err := config.Save(dir); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s and %s to %s", config.FileName, config.LegacyFileName, dir)
}

func printconf() {
	if err := config.Encode(os.Stdout, config.Get()); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("scopebench version %v\n", Version)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}

// writeTable writes t to --out, or CSV on stdout
func writeTable(t export.Table) {
	var err error
	if *out == "" {
		err = export.Encode(os.Stdout, export.CSV, t)
	} else {
		err = export.Write(*out, t)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// connected returns a bench with a session to the configured scope
func connected() *bench.Bench {
	b := bench.New()
	b.ConfigDir = config.Dir(flags)
	idn, err := b.Connect("")
	if err != nil {
		log.Fatal(err)
	}
	log.Println(idn)
	return b
}

func arg(i int, what string) string {
	args := flags.Args()
	if len(args) <= i {
		log.Fatalf("missing argument: %s", what)
	}
	return args[i]
}

func serve(ctx context.Context) {
	b := bench.New()
	defer b.Close()
	b.ConfigDir = config.Dir(flags)
	if _, err := b.Connect(""); err != nil {
		log.Printf("scope not connected, use POST /home/connect: %v", err)
	} else if config.Get().Monitor.Enabled {
		if err := b.StartMonitor(); err != nil {
			log.Println(err)
		}
	}
	if *watch {
		err := config.Watch(b.ConfigDir, flags, func(s config.Settings, err error) {
			if err != nil {
				log.Printf("configuration not reloaded: %v", err)
				return
			}
			b.Monitor.Resize(s.Monitor.History)
			b.ApplySettings(s)
			log.Println("configuration reloaded")
		})
		if err != nil {
			log.Printf("not watching the configuration: %v", err)
		}
	}
	if err := b.Serve(ctx); err != nil {
		log.Fatal(err)
	}
}

func execute(ctx context.Context) {
	s, err := script.Load(arg(0, "script file"))
	if err != nil {
		log.Fatal(err)
	}
	b := connected()
	defer b.Close()
	run, err := b.Execute(ctx, s)
	if run != nil {
		writeTable(bench.RunTable(run))
	}
	if err != nil {
		log.Fatal(err)
	}
}

func batchrun(ctx context.Context) {
	s, err := script.Load(arg(0, "script file"))
	if err != nil {
		log.Fatal(err)
	}
	b := connected()
	defer b.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " batch",
		SuffixAutoColon:   true,
		Message:           fmt.Sprintf("0/%d", *iterations),
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
		Writer:            os.Stderr,
	})
	if err != nil {
		log.Fatal(err)
	}
	msgs, unsubscribe := b.Hub.Subscribe()
	go func() {
		for msg := range msgs {
			if p, ok := msg.Payload.(bench.Progress); ok && msg.Type == bench.MsgProgress {
				spinner.Message(fmt.Sprintf("%d/%d", p.Done, p.Total))
			}
		}
	}()
	spinner.Start()
	run, err := b.Batch(ctx, s, batch.Options{Iterations: *iterations, Acquire: *acquire, Interval: *interval})
	unsubscribe()
	if err != nil {
		spinner.StopFail()
	} else {
		spinner.Stop()
	}
	if run != nil && len(run.Iterations) > 0 {
		writeTable(run.Table())
	}
	if err != nil {
		log.Fatal(err)
	}
}

func merge() {
	rep, err := batch.Merge(arg(0, "directory"))
	if err != nil {
		log.Fatal(err)
	}
	printJSON(rep)
}

func measureOnce(ctx context.Context) {
	k, err := measure.Parse(arg(0, "measurement kind"))
	if err != nil {
		log.Fatal(err)
	}
	ch, err := strconv.Atoi(arg(1, "channel"))
	if err != nil {
		log.Fatal(err)
	}
	b := connected()
	defer b.Close()
	res, err := b.Measure(ctx, k, ch, *ref)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s CH%d: %v %s\n", res.Kind, res.Channel, res.Value, res.Unit)
}

func capture(ctx context.Context) {
	b := connected()
	defer b.Close()
	art, err := b.Capture(ctx, *digitize, *overwrite)
	if err != nil {
		log.Fatal(err)
	}
	printJSON(art)
}

func detect() {
	found, err := visa.Detect()
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range found {
		fmt.Println(r)
	}
}

func idn() {
	b := connected()
	b.Close()
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	if err := flags.Parse(args[2:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatal(err)
	}
	if _, err := config.Load(config.Dir(flags), flags); err != nil {
		log.Fatalf("error loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "serve", "run":
		serve(ctx)
	case "exec":
		execute(ctx)
	case "batch":
		batchrun(ctx)
	case "merge":
		merge()
	case "measure":
		measureOnce(ctx)
	case "capture":
		capture(ctx)
	case "detect":
		detect()
	case "idn":
		idn()
	default:
		log.Fatalf("unknown command %q, see scopebench help", cmd)
	}
}
