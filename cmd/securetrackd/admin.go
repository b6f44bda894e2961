package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"securetrack/internal/config"
	"securetrack/internal/contacts"
	"securetrack/internal/credential"
	"securetrack/internal/ledger"
	"securetrack/internal/logging"
	"securetrack/internal/security"
	"securetrack/internal/store"
)

// local is direct access to the daemon's storage for administrative
// commands. SQLite WAL mode lets it run beside the daemon.
type local struct {
	cfg   *config.Config
	store *store.Store
	creds *credential.Store
	audit *logging.AuditLogger
}

func openLocal(configFlag string) *local {
	cfg := loadConfig(configFlag)
	if err := cfg.EnsureDirectories(); err != nil {
		fatalf("creating directories: %v", err)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	key, err := security.LoadOrCreateKey(cfg.Storage.KeyPath)
	if err != nil {
		st.Close()
		fatalf("loading key: %v", err)
	}
	creds, err := credential.New(st, key)
	security.Wipe(key)
	if err != nil {
		st.Close()
		fatalf("opening credentials: %v", err)
	}

	l := &local{cfg: cfg, store: st, creds: creds}
	if cfg.Audit.Enabled {
		ac := logging.DefaultAuditConfig()
		ac.FilePath = cfg.Audit.FilePath
		ac.MaxSize = int64(cfg.Audit.MaxSizeMB)
		ac.MaxAge = cfg.Audit.MaxAgeDays
		ac.MaxBackups = cfg.Audit.MaxBackups
		ac.Component = "securetrackd-admin"
		if l.audit, err = logging.NewAuditLogger(ac); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: audit log unavailable: %v\n", err)
		}
	}
	return l
}

func (l *local) Close() {
	l.audit.Close()
	l.store.Close()
}

// secrets reads one secret per line from standard input.
type secrets struct {
	r *bufio.Reader
}

func newSecrets(r io.Reader) *secrets {
	return &secrets{r: bufio.NewReader(r)}
}

func (s *secrets) read(label string) string {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	line, err := s.r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		fmt.Fprintln(os.Stderr)
		fatalf("reading %s: %v", strings.ToLower(label), err)
	}
	return strings.TrimRight(line, "\r\n")
}

func cmdSetup(args []string) {
	fs, configFlag := newFlagSet("setup")
	noWipe := fs.Bool("no-wipe-pin", false, "skip the wipe PIN")
	fs.Parse(args)

	l := openLocal(*configFlag)
	defer l.Close()
	ctx := context.Background()

	done, err := l.creds.SetupComplete(ctx)
	if err != nil {
		fatalf("reading setup state: %v", err)
	}
	if done {
		fatalf("setup is already complete; use change-pin to replace the PIN")
	}

	in := newSecrets(os.Stdin)
	req := credential.SetupRequest{
		Pin: in.read("PIN (6 digits)"),
	}
	if !*noWipe {
		req.WipePin = in.read("Wipe PIN (8 digits)")
	}
	req.MasterPassword = in.read("Master password")
	if confirm := in.read("Confirm master password"); confirm != req.MasterPassword {
		fatalf("master passwords do not match")
	}

	err = l.creds.Setup(ctx, req)
	l.audit.LogCredentialChange(ctx, "setup", err)
	if err != nil {
		fatalf("setup failed: %v", err)
	}

	fmt.Println("Setup complete. Protection is off until you run:")
	fmt.Println("    securetrackd protection on")
}

func cmdToggle(args []string, feature string) {
	fs, configFlag := newFlagSet(feature)
	fs.Parse(args)
	if fs.NArg() != 1 || (fs.Arg(0) != "on" && fs.Arg(0) != "off") {
		fmt.Fprintf(os.Stderr, "Usage: securetrackd %s on|off\n", feature)
		os.Exit(1)
	}
	enable := fs.Arg(0) == "on"

	l := openLocal(*configFlag)
	defer l.Close()
	ctx := context.Background()

	password := newSecrets(os.Stdin).read("Master password")

	var err error
	switch feature {
	case "protection":
		err = l.creds.SetProtectionEnabled(ctx, password, enable)
	default:
		err = l.creds.SetWipeEnabled(ctx, password, enable)
	}
	l.audit.LogCredentialChange(ctx, feature+" "+onOff(enable), err)
	if err != nil {
		fatalf("%s: %v", feature, err)
	}

	fmt.Printf("%s: %s\n", feature, onOff(enable))
	if feature == "protection" && enable {
		fmt.Println("The running daemon re-arms on its next restart or SIM event.")
	}
}

func cmdResetSim(args []string) {
	fs, configFlag := newFlagSet("reset-sim")
	fs.Parse(args)

	l := openLocal(*configFlag)
	defer l.Close()
	ctx := context.Background()

	password := newSecrets(os.Stdin).read("Master password")
	err := l.creds.ResetSim(ctx, password)
	l.audit.LogCredentialChange(ctx, "reset sim", err)
	if err != nil {
		fatalf("reset sim: %v", err)
	}
	fmt.Println("SIM binding cleared. The next SIM seen is trusted.")
}

func cmdChangePin(args []string) {
	fs, configFlag := newFlagSet("change-pin")
	fs.Parse(args)

	l := openLocal(*configFlag)
	defer l.Close()
	ctx := context.Background()

	in := newSecrets(os.Stdin)
	current := in.read("Current PIN")
	next := in.read("New PIN (6 digits)")
	err := l.creds.ChangePin(ctx, current, next)
	l.audit.LogCredentialChange(ctx, "pin", err)
	if err != nil {
		fatalf("change PIN: %v", err)
	}
	fmt.Println("PIN changed.")
}

func cmdContacts(args []string) {
	fs, configFlag := newFlagSet("contacts")
	primary := fs.Bool("primary", false, "make the new contact primary")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, `Usage: securetrackd contacts <action>

ACTIONS:
    list                      List emergency contacts
    add <name> <number>       Add a contact (precede with -primary to make it primary)
    delete <id>               Remove a contact
    primary <id>              Make a contact the primary one`)
		os.Exit(1)
	}

	l := openLocal(*configFlag)
	defer l.Close()
	ctx := context.Background()
	svc := contacts.NewService(l.store, l.audit, nil)

	switch action := fs.Arg(0); action {
	case "list":
		all, err := svc.List(ctx)
		if err != nil {
			fatalf("listing contacts: %v", err)
		}
		if len(all) == 0 {
			fmt.Println("No emergency contacts.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tNUMBER\tPRIMARY")
		for _, c := range all {
			mark := ""
			if c.IsPrimary {
				mark = "*"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.ID, c.Name, c.PhoneNumber, mark)
		}
		w.Flush()

	case "add":
		if fs.NArg() != 3 {
			fatalf("usage: securetrackd contacts [-primary] add <name> <number>")
		}
		c, err := svc.Add(ctx, fs.Arg(1), fs.Arg(2), *primary)
		if err != nil {
			fatalf("adding contact: %v", err)
		}
		fmt.Printf("Added contact %d (%s, %s)\n", c.ID, c.Name, c.PhoneNumber)

	case "delete", "primary":
		if fs.NArg() != 2 {
			fatalf("usage: securetrackd contacts %s <id>", action)
		}
		id, err := strconv.ParseInt(fs.Arg(1), 10, 64)
		if err != nil {
			fatalf("invalid id %q", fs.Arg(1))
		}
		if action == "delete" {
			err = svc.Delete(ctx, id)
		} else {
			err = svc.SetPrimary(ctx, id)
		}
		if errors.Is(err, store.ErrNotFound) {
			fatalf("no contact with id %d", id)
		}
		if err != nil {
			fatalf("%s contact: %v", action, err)
		}
		fmt.Printf("Contact %d updated.\n", id)

	default:
		fatalf("unknown contacts action: %s", action)
	}
}

func cmdLedger(args []string) {
	fs, configFlag := newFlagSet("ledger")
	n := fs.Int("n", 50, "entries to list")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, `Usage: securetrackd ledger <action>

ACTIONS:
    list [-n N]     Print the newest entries (precede the action with -n)
    all             Print every entry
    delete <id>     Remove one entry
    clear           Remove every entry and capture record (asks for the master password)`)
		os.Exit(1)
	}

	l := openLocal(*configFlag)
	defer l.Close()
	ctx := context.Background()
	lg := ledger.New(l.store)

	switch action := fs.Arg(0); action {
	case "list", "all":
		var rows []store.CommandLog
		var err error
		if action == "all" {
			rows, err = lg.All(ctx)
		} else {
			rows, err = lg.Recent(ctx, *n)
		}
		if err != nil {
			fatalf("reading ledger: %v", err)
		}
		if len(rows) == 0 {
			fmt.Println("Ledger is empty.")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tCOMMAND\tSENDER\tSTATUS\tRESULT")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID,
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.CommandName,
				logging.MaskAddress(r.Sender), r.Status, r.ResultMessage)
		}
		w.Flush()

	case "delete":
		if fs.NArg() != 2 {
			fatalf("usage: securetrackd ledger delete <id>")
		}
		id, err := strconv.ParseInt(fs.Arg(1), 10, 64)
		if err != nil {
			fatalf("invalid id %q", fs.Arg(1))
		}
		if err := lg.Delete(ctx, id); err != nil {
			fatalf("deleting entry %d: %v", id, err)
		}
		fmt.Printf("Entry %d deleted.\n", id)

	case "clear":
		password := newSecrets(os.Stdin).read("Master password")
		if !l.creds.VerifyMasterPassword(ctx, password) {
			fatalf("master password does not match")
		}
		if err := lg.Clear(ctx); err != nil {
			fatalf("clearing ledger: %v", err)
		}
		l.audit.LogCredentialChange(ctx, "ledger cleared", nil)
		fmt.Println("Ledger cleared.")

	default:
		fatalf("unknown ledger action: %s", action)
	}
}

// cmdReset returns the device to the pre-setup state.
func cmdReset(args []string) {
	fs, configFlag := newFlagSet("reset")
	keepData := fs.Bool("keep-data", false, "keep the ledger and emergency contacts")
	fs.Parse(args)

	l := openLocal(*configFlag)
	defer l.Close()
	ctx := context.Background()

	password := newSecrets(os.Stdin).read("Master password")
	err := l.creds.ClearAll(ctx, password)
	l.audit.LogCredentialChange(ctx, "reset", err)
	if err != nil {
		fatalf("reset: %v", err)
	}

	if !*keepData {
		if err := ledger.New(l.store).Clear(ctx); err != nil {
			fatalf("clearing ledger: %v", err)
		}
		if err := l.store.ClearContacts(ctx); err != nil {
			fatalf("clearing contacts: %v", err)
		}
	}
	fmt.Println("Credentials erased. Run 'securetrackd setup' to protect the device again.")
}
