// logview inspects and maintains device logs.
//
//	logview [global flags] <command> [command flags]
//
// Global flags select the log: --dir, --device, --segment and --suffix,
// or a config file with --config whose first device is used unless
// --device is given.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"

	"github.com/oceanlog/telemlog/config"
	"github.com/oceanlog/telemlog/devlog"
	"github.com/oceanlog/telemlog/log"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name  string
	usage string
	run   func(a *app, args []string) error
}

var commands []*command

func init() {
	commands = []*command{
		{"dump", "print packets in toon or json format", cmdDump},
		{"query", "filtered retrieval of packets", cmdQuery},
		{"stats", "show log statistics", cmdStats},
		{"check", "verify data file against index", cmdCheck},
		{"export", "write packets as a siser stream", cmdExport},
		{"import", "append packets from a siser stream", cmdImport},
		{"append", "append a message packet", cmdAppend},
		{"archive", "compress segment and upload to archive target", cmdArchive},
		{"restore", "verify and decompress an archived segment", cmdRestore},
		{"segments", "list segments of a device", cmdSegments},
		{"shell", "run commands interactively", cmdShell},
	}
}

func findCommand(name string) *command {
	for _, c := range commands {
		if c.name == name {
			return c
		}
	}
	return nil
}

// app is state shared by commands
type app struct {
	stdin  io.Reader
	stdout io.Writer

	configPath string
	dir        string
	deviceID   int64
	segment    int
	suffix     string
	verbose    bool

	cfg    *config.Config
	device *config.Device

	// set while in shell so that commands re-use an open log
	log *devlog.Log
}

func (a *app) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&a.configPath, "config", "c", "", "config file (.yaml or .jsonc)")
	fs.StringVarP(&a.dir, "dir", "d", "", "directory with log files (overrides data_dir)")
	fs.Int64Var(&a.deviceID, "device", 0, "device id")
	fs.IntVar(&a.segment, "segment", 0, "segment number")
	fs.StringVar(&a.suffix, "suffix", "", "file name suffix")
	fs.BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")
}

func printHelp(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "usage: logview [flags] <command> [command flags]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, c.name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, findCommand(name).usage)
	}
	fmt.Fprintf(w, "\nflags:\n%s", fs.FlagUsages())
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	a := &app{
		stdin:  stdin,
		stdout: stdout,
	}
	fs := pflag.NewFlagSet("logview", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	a.addFlags(fs)
	fs.BoolP("help", "h", false, "show help")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printHelp(stdout, fs)
			return nil
		}
		return err
	}
	if help, _ := fs.GetBool("help"); help || fs.NArg() == 0 {
		printHelp(stdout, fs)
		return nil
	}
	if err := a.loadConfig(); err != nil {
		return err
	}
	defer a.closeLog()
	return a.runCommand(fs.Args())
}

func (a *app) runCommand(args []string) error {
	name := args[0]
	c := findCommand(name)
	if c == nil {
		return fmt.Errorf("unknown command '%s'", name)
	}
	return c.run(a, args[1:])
}

// loadConfig reads the config file, if given, and fills in log
// selection not given with flags
func (a *app) loadConfig() error {
	log.Verbose = a.verbose
	if a.configPath == "" {
		a.cfg = config.Default()
	} else {
		cfg, err := config.LoadFile(a.configPath)
		if err != nil {
			return err
		}
		if err = cfg.Validate(); err != nil {
			return err
		}
		a.cfg = cfg
		if cfg.Verbose {
			log.Verbose = true
		}
		if cfg.LogDir != "" {
			log.Init(&log.Config{Dir: cfg.LogDir, MaxDays: cfg.LogMaxDays})
		}
	}
	if a.dir == "" {
		a.dir = a.cfg.DataDir
	}
	if a.deviceID == 0 && len(a.cfg.Devices) > 0 {
		d := &a.cfg.Devices[0]
		a.deviceID = d.ID
		a.segment = d.Segment
		a.suffix = d.Suffix
	}
	a.device = a.cfg.FindDevice(a.deviceID)
	return nil
}

func (a *app) segmentInfo() devlog.Segment {
	return devlog.Segment{DeviceID: a.deviceID, Segment: a.segment, Suffix: a.suffix}
}

func (a *app) openLog() (*devlog.Log, error) {
	if a.log != nil {
		return a.log, nil
	}
	if a.deviceID == 0 {
		return nil, errors.New("device is not set, use --device or a config file")
	}
	l, err := devlog.Open(devlog.Config{
		Dir:      a.dir,
		DeviceID: a.deviceID,
		Segment:  a.segment,
		Suffix:   a.suffix,
	})
	if err != nil {
		return nil, err
	}
	a.log = l
	return l, nil
}

func (a *app) closeLog() {
	if a.log == nil {
		return
	}
	log.IfErrf(a.log.Close())
	a.log = nil
}

func (a *app) openFilteredLog() (*devlog.FilteredLog, error) {
	l, err := a.openLog()
	if err != nil {
		return nil, err
	}
	shelfLife, err := a.cfg.ShelfLifeFor(a.device)
	if err != nil {
		return nil, err
	}
	filters, err := a.cfg.FiltersFor(a.device)
	if err != nil {
		return nil, err
	}
	return devlog.NewFilteredLog(l, devlog.FilteredOptions{
		ShelfLife:      shelfLife,
		DefaultFilters: filters,
	}), nil
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

func cmdShell(a *app, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("shell doesn't take arguments")
	}
	a.printf("logview shell for %s in %s, 'help' lists commands, 'quit' exits\n", a.segmentInfo(), a.dir)
	sc := bufio.NewScanner(a.stdin)
	for {
		a.printf("> ")
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		words, err := shellquote.Split(line)
		if err != nil {
			a.printf("error: %s\n", err)
			continue
		}
		switch words[0] {
		case "quit", "exit":
			return nil
		case "help":
			printHelp(a.stdout, pflag.NewFlagSet("shell", pflag.ContinueOnError))
			continue
		case "shell":
			a.printf("error: already in shell\n")
			continue
		}
		if err = a.runCommand(words); err != nil {
			a.printf("error: %s\n", err)
		}
	}
	a.printf("\n")
	return sc.Err()
}
