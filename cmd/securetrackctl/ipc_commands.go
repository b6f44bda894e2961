package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"securetrack/internal/ipc"
	"securetrack/internal/logging"
	"securetrack/internal/store"
	"securetrack/internal/tamper"
)

// IPCCommands wraps a connected client.
type IPCCommands struct {
	client *ipc.IPCClient
}

// NewIPCCommands connects to the daemon named by the config or -socket.
func NewIPCCommands(ctx context.Context) (*IPCCommands, error) {
	socket := *socketPath
	if socket == "" {
		socket = loadConfig().IPC.SocketPath
	}

	cfg := ipc.DefaultClientConfig(filepath.Dir(socket))
	cfg.SocketPath = socket
	cfg.ClientName = "securetrackctl"
	cfg.ClientVersion = Version
	cfg.RequestTimeout = *timeout

	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return &IPCCommands{client: client}, nil
}

// Close closes the connection.
func (c *IPCCommands) Close() error {
	return c.client.Close()
}

func connect() (*IPCCommands, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	cmds, err := NewIPCCommands(ctx)
	if err != nil {
		cancel()
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			printError("securetrackd is not running")
			fmt.Fprintln(os.Stderr, "  Start it with: securetrackd run")
		} else {
			printError(fmt.Sprintf("cannot connect to daemon: %v", err))
		}
		os.Exit(1)
	}
	return cmds, ctx, cancel
}

func check(what string, err error) {
	if err == nil {
		return
	}
	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		printError(fmt.Sprintf("%s: %s", what, remote.Message))
	} else {
		printError(fmt.Sprintf("%s: %v", what, err))
	}
	os.Exit(1)
}

func cmdStatus() {
	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	status, err := cmds.client.Status(ctx)
	check("status", err)
	if *jsonOutput {
		printJSON(status)
		return
	}

	yesNo := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}

	fmt.Println("=== securetrackd Status ===")
	fmt.Println()
	fmt.Printf("Version:         %s\n", status.Version)
	fmt.Printf("Uptime:          %s\n", status.Uptime.Round(time.Second))
	fmt.Printf("Health:          %s\n", status.Health)
	fmt.Println()
	fmt.Printf("Setup complete:  %s\n", yesNo(status.SetupComplete))
	fmt.Printf("Protection:      %s\n", yesNo(status.ProtectionEnabled))
	fmt.Printf("Armed:           %s\n", yesNo(status.Armed))
	fmt.Printf("Wipe allowed:    %s\n", yesNo(status.WipeEnabled))
	fmt.Printf("SIM bound:       %s\n", yesNo(status.SimBound))
	fmt.Printf("Siren active:    %s\n", yesNo(status.SirenActive))
	fmt.Printf("Failed unlocks:  %d\n", status.FailedUnlocks)
	fmt.Printf("Contacts:        %d\n", status.Contacts)

	if len(status.CommandCounts) > 0 {
		fmt.Println()
		fmt.Println("Commands:")
		for _, s := range []store.CommandStatus{
			store.StatusReceived, store.StatusProcessing, store.StatusSuccess,
			store.StatusFailed, store.StatusUnauthorized,
		} {
			fmt.Printf("  %-13s %d\n", s, status.CommandCounts[string(s)])
		}
	}
}

func cmdRecent(args []string) {
	fs := flag.NewFlagSet("recent", flag.ExitOnError)
	n := fs.Int("n", 20, "number of entries")
	fs.Parse(args)

	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	logs, err := cmds.client.RecentCommands(ctx, *n)
	check("recent commands", err)
	for i := range logs {
		logs[i].Sender = logging.MaskAddress(logs[i].Sender)
	}
	if *jsonOutput {
		printJSON(logs)
		return
	}
	if len(logs) == 0 {
		fmt.Println("No commands recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tCOMMAND\tSENDER\tSTATUS\tRESULT")
	for _, l := range logs {
		result := l.ResultMessage
		if l.Location != nil {
			result = fmt.Sprintf("%s (%.6f, %.6f)", result, l.Location.Lat, l.Location.Lng)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			l.CommandName, l.Sender, l.Status, result)
	}
	w.Flush()
}

func cmdInject(args []string) {
	fs := flag.NewFlagSet("inject", flag.ExitOnError)
	ref := fs.Int("ref", 0, "concatenation reference of a multipart message")
	part := fs.Int("part", 0, "segment number, from 1")
	total := fs.Int("total", 0, "segment count")
	fs.Parse(args)
	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: securetrackctl inject [-ref R -part P -total T] <sender> <body>")
		os.Exit(1)
	}

	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	resp, err := cmds.client.InjectSegment(ctx, &ipc.InjectSMSRequest{
		Sender: fs.Arg(0),
		Body:   strings.Join(fs.Args()[1:], " "),
		Ref:    *ref,
		Part:   *part,
		Total:  *total,
	})
	check("inject", err)
	if *jsonOutput {
		printJSON(resp)
		return
	}

	switch {
	case resp.Pending:
		fmt.Println("Segment stored; waiting for the rest of the message.")
	case resp.Dropped:
		fmt.Println("Dropped: not a command, or setup is incomplete.")
	default:
		fmt.Printf("Ledger #%d: %s", resp.LedgerID, resp.Status)
		if resp.Message != "" {
			fmt.Printf(" (%s)", resp.Message)
		}
		fmt.Println()
	}
}

func cmdUnlock(args []string) {
	if len(args) != 1 || (args[0] != "ok" && args[0] != "failed") {
		fmt.Fprintln(os.Stderr, "Usage: securetrackctl unlock ok|failed")
		os.Exit(1)
	}

	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	resp, err := cmds.client.ReportUnlock(ctx, args[0] == "ok")
	check("unlock", err)
	if *jsonOutput {
		printJSON(resp)
		return
	}
	if args[0] == "ok" {
		fmt.Println("Unlock recorded.")
		return
	}
	fmt.Printf("Failed attempts: %d", resp.FailedCount)
	if resp.Captured {
		fmt.Print(" (capture taken)")
	}
	fmt.Println()
}

func cmdSignal(args []string) {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	pkg := fs.String("package", "", "application or desktop component")
	class := fs.String("class", "", "window class")
	desc := fs.String("desc", "", "accessible description")
	var text multiFlag
	fs.Var(&text, "text", "visible text, repeatable")
	fs.Parse(args)
	if *pkg == "" && *class == "" {
		fmt.Fprintln(os.Stderr, "Usage: securetrackctl signal -package P -class C [-text T]... [-desc D]")
		os.Exit(1)
	}

	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	kind, err := cmds.client.ReportSignal(ctx, tamper.Signal{
		Package:     *pkg,
		ClassName:   *class,
		Text:        text,
		Description: *desc,
	})
	check("signal", err)
	if *jsonOutput {
		printJSON(map[string]string{"kind": kind})
		return
	}
	fmt.Println(kind)
}

// cmdShutdownPin reads the PIN from standard input so shell hooks can pipe
// it through.
func cmdShutdownPin() {
	fmt.Fprint(os.Stderr, "PIN: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(os.Stderr)
		printError(fmt.Sprintf("reading PIN: %v", err))
		os.Exit(1)
	}

	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	decision, err := cmds.client.ShutdownPin(ctx, strings.TrimSpace(line))
	check("shutdown pin", err)
	if *jsonOutput {
		printJSON(map[string]string{"decision": decision})
		return
	}
	fmt.Println(decision)
	if decision != "allowed" {
		os.Exit(2)
	}
}

func cmdSirenStop() {
	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	resp, err := cmds.client.StopSiren(ctx)
	check("siren stop", err)
	if *jsonOutput {
		printJSON(resp)
		return
	}
	fmt.Println(resp.Message)
}

func cmdPing() {
	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	start := time.Now()
	check("ping", cmds.client.Ping(ctx))
	fmt.Printf("pong (%s, permission %s)\n", time.Since(start).Round(time.Microsecond), cmds.client.Permission())
}

var eventNames = map[string]ipc.EventType{
	"command":  ipc.EventCommand,
	"tamper":   ipc.EventTamper,
	"config":   ipc.EventConfigChanged,
	"shutdown": ipc.EventDaemonShutdown,
}

func eventName(t ipc.EventType) string {
	for name, v := range eventNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

func cmdEvents(args []string) {
	var types []ipc.EventType
	for _, a := range args {
		t, ok := eventNames[a]
		if !ok {
			printError(fmt.Sprintf("unknown event type %q", a))
			os.Exit(1)
		}
		types = append(types, t)
	}

	cmds, ctx, cancel := connect()
	defer cancel()
	defer cmds.Close()

	done := make(chan struct{})
	cmds.client.SetEventHandler(func(e *ipc.Event) {
		if *jsonOutput {
			printJSON(e)
		} else {
			fmt.Printf("%s %-8s %v\n", e.Timestamp.Local().Format("15:04:05"), eventName(e.Type), e.Data)
		}
		if e.Type == ipc.EventDaemonShutdown {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})

	_, err := cmds.client.Subscribe(ctx, types...)
	check("subscribe", err)
	if !*jsonOutput {
		fmt.Fprintln(os.Stderr, "Streaming events, Ctrl+C to stop")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
	}
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
