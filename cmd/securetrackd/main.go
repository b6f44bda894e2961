// securetrackd is the SMS anti-theft daemon and its local administration
// tool.
//
//	securetrackd run              Run the daemon in the foreground
//	securetrackd setup            Set the PIN, wipe PIN and master password
//	securetrackd protection on    Arm or disarm tamper protection
//	securetrackd contacts list    Manage emergency contacts
//	securetrackd report           Export a PDF incident report
//	securetrackd update check     Check for a newer build
//	securetrackd config migrate   Upgrade the configuration file
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"securetrack/internal/config"
	"securetrack/internal/logging"
)

// Set with -ldflags "-X main.Version=... -X main.versionCode=...".
var (
	Version     = "dev"
	versionCode = "1"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run", "daemon":
		cmdRun(args)
	case "setup":
		cmdSetup(args)
	case "protection":
		cmdToggle(args, "protection")
	case "wipe-feature":
		cmdToggle(args, "wipe-feature")
	case "reset-sim":
		cmdResetSim(args)
	case "change-pin":
		cmdChangePin(args)
	case "contacts":
		cmdContacts(args)
	case "ledger":
		cmdLedger(args)
	case "reset":
		cmdReset(args)
	case "report":
		cmdReport(args)
	case "update":
		cmdUpdate(args)
	case "config":
		cmdConfig(args)
	case "version":
		fmt.Printf("securetrackd %s (build %d)\n", Version, buildNumber())
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`securetrackd - SMS anti-theft agent

USAGE:
    securetrackd <command> [options]

COMMANDS:
    run [-detach]              Run the daemon (alias: daemon)
    setup                      Set the PIN, wipe PIN and master password
    protection on|off          Arm or disarm tamper protection
    wipe-feature on|off        Allow or refuse the WIPE command
    reset-sim                  Forget the bound SIM so the next one is trusted
    change-pin                 Replace the command PIN
    contacts <action>          list, add, delete or primary
    ledger <action>            list, all, delete or clear command history
    reset [-keep-data]         Erase credentials and return to the pre-setup state
    report [-o file]           Export a PDF incident report
    update check|download      Check for or fetch a newer build
    config <action>            show, validate, migrate or init
    version                    Print the version
    help                       Show this help message

Every command accepts -config <path>. Without it the first config.toml,
config.json or config.yaml found in the working directory, the config
directory or the data directory is used.

SMS COMMANDS (sent from any phone):
    LOCATE <pin>     Reply with the device position
    SIREN <pin>      Sound the alarm at full volume
    LOCK <pin>       Lock the screen
    CALLME <pin>     Call the sender back
    WIPE <wipe-pin>  Factory reset (when enabled)

Secrets are read from standard input, one per line, so they never appear
in the process list or shell history.`)
}

func buildNumber() int {
	n, err := strconv.Atoi(versionCode)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// newFlagSet returns a flag set with the shared -config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", "", "path to config file")
	return fs, path
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// loadConfig reads the configuration without creating it.
func loadConfig(flagValue string) *config.Config {
	cfg, err := config.Load(resolveConfigPath(flagValue))
	if err != nil {
		fatalf("loading config: %v", err)
	}
	return cfg
}

func loggingConfig(lc config.LoggingConfig) (*logging.Config, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	c := logging.DefaultConfig()
	c.Level = level
	c.Format = format
	c.Output = lc.Output
	c.FilePath = lc.FilePath
	c.MaxSize = int64(lc.MaxSizeMB)
	c.MaxAge = lc.MaxAgeDays
	c.MaxBackups = lc.MaxBackups
	c.Compress = lc.Compress
	c.Component = "securetrackd"
	return c, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
