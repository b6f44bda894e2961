// securetrackctl is the control CLI for a running securetrackd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"securetrack/internal/config"
)

// Version is set with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (overrides the config)")
	jsonOutput = flag.Bool("json", false, "print machine-readable JSON")
	timeout    = flag.Duration("timeout", 30*time.Second, "request timeout")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "recent":
		cmdRecent(args)
	case "inject":
		cmdInject(args)
	case "unlock":
		cmdUnlock(args)
	case "signal":
		cmdSignal(args)
	case "shutdown-pin":
		cmdShutdownPin()
	case "siren":
		if len(args) != 1 || args[0] != "stop" {
			fmt.Fprintln(os.Stderr, "Usage: securetrackctl siren stop")
			os.Exit(1)
		}
		cmdSirenStop()
	case "events":
		cmdEvents(args)
	case "ping":
		cmdPing()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `securetrackctl - Control utility for securetrackd

Usage: securetrackctl [options] <command> [args]

Commands:
  status                        Show protection state and ledger counts
  recent [-n N]                 Print the newest command ledger entries
  inject <sender> <body>        Deliver an SMS as if the modem received it
  unlock ok|failed              Report a screen unlock attempt
  signal -package P -class C    Report a foreground window change
  shutdown-pin                  Submit the PIN typed at a shutdown prompt
  siren stop                    Silence the siren
  events [type...]              Stream events (command, tamper, config, shutdown)
  ping                          Check that the daemon answers
  help                          Show this help message

Options:
  -config <path>   Path to config file
  -socket <path>   Daemon socket, overriding the config
  -json            Print JSON instead of text
  -timeout <dur>   Request timeout (default 30s)`)
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		printError(fmt.Sprintf("encoding output: %v", err))
		os.Exit(1)
	}
	fmt.Println(string(data))
}
