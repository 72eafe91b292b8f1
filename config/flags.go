package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	Help    bool
	Version bool

	Config string

	// AllowedOrigins, APIPort: optional overrides of the YAML file.
	AllowedOrigins string
	APIPort        int

	LogLevel string
	LogFile  string
	LogJSON  bool

	// Command is the positional subcommand: "start" (default) or
	// "delete-peer".
	Command string
	// Args are the remaining positional arguments after Command, e.g. the
	// peer key for "delete-peer".
	Args []string

	SetLogJSON bool
}

// ParseFlags parses command-line flags the way cmd/klingnetd does:
// a ContinueOnError FlagSet plus a positional subcommand.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("hubd", flag.ContinueOnError)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "V", false, "Show version (shorthand)")

	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	fs.StringVar(&f.AllowedOrigins, "allowed-origins", "", "Allowed CORS origins (comma-separated)")
	fs.IntVar(&f.APIPort, "api-port", 0, "HTTP listen port")

	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if f.Help {
		printUsage()
	}

	f.SetLogJSON = isFlagSet(fs, "log-json")

	args := fs.Args()
	f.Command = "start"
	if len(args) > 0 {
		f.Command = args[0]
		f.Args = args[1:]
	}

	return f
}

// ApplyFlags applies command-line flag overrides to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	if f == nil {
		return
	}
	if f.AllowedOrigins != "" {
		cfg.AllowedOrigins = parseStringList(f.AllowedOrigins)
	}
	if f.APIPort != 0 {
		cfg.APIPort = f.APIPort
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}

func parseStringList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printUsage() {
	usage := `Symmetry Rendezvous Hub

Usage:
  hubd [options] [command]
  hubd --help

Commands:
  start                 Start the hub (default action)
  delete-peer <key>     Remove a peer record by hex public key

Options:
  --help, -h            Show this help message
  --version, -V         Show version information
  --config, -c          Config file path (default: ~/.config/symmetry/server.yaml)
  --allowed-origins     Allowed CORS origins (comma-separated)
  --api-port            HTTP listen port
  --log-level           Log level: debug, info, warn, error (default: info)
  --log-file            Log file path (default: stdout)
  --log-json            Output logs as JSON

Examples:
  hubd --config /etc/symmetry/server.yaml start
  hubd delete-peer 3af2c1...
`
	fmt.Fprint(os.Stderr, usage)
}
