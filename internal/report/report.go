// Package report renders an incident report PDF: protection status, the
// command ledger, tamper captures and emergency contacts.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"

	"securetrack/internal/logging"
	"securetrack/internal/store"
)

// Source supplies the report data. *store.Store satisfies it.
type Source interface {
	RecentCommandLogs(ctx context.Context, limit int) ([]store.CommandLog, error)
	IntruderLogs(ctx context.Context, limit int) ([]store.IntruderLog, error)
	Contacts(ctx context.Context) ([]store.EmergencyContact, error)
}

// Status is the device state printed in the overview.
type Status struct {
	Version           string
	SetupComplete     bool
	ProtectionEnabled bool
	WipeEnabled       bool
	SimBound          bool
	FailedUnlocks     int
}

// Options controls what the report contains.
type Options struct {
	Path          string
	Operator      string
	Note          string
	MaxCommands   int
	MaxIntrusions int
	// FontPath is a TrueType font for non-ASCII text; empty probes the
	// usual system locations.
	FontPath string
}

// Result describes a written report.
type Result struct {
	Path        string    `json:"path"`
	SHA256      string    `json:"sha256"`
	Commands    int       `json:"commands"`
	Intrusions  int       `json:"intrusions"`
	Warnings    []string  `json:"warnings,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

const (
	defaultMaxCommands   = 200
	defaultMaxIntrusions = 50
	timeLayout           = "2006-01-02 15:04:05"
)

var fontCandidates = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/TTF/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/noto/NotoSans-Regular.ttf",
}

// Generate writes the report to opts.Path.
func Generate(ctx context.Context, src Source, status Status, opts Options) (*Result, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("report: path is required")
	}
	if opts.MaxCommands <= 0 {
		opts.MaxCommands = defaultMaxCommands
	}
	if opts.MaxIntrusions <= 0 {
		opts.MaxIntrusions = defaultMaxIntrusions
	}
	if strings.TrimSpace(opts.Operator) == "" {
		opts.Operator = "owner"
	}

	var warnings []string
	commands, err := src.RecentCommandLogs(ctx, opts.MaxCommands)
	if err != nil {
		warnings = append(warnings, "list commands failed: "+err.Error())
	}
	intrusions, err := src.IntruderLogs(ctx, opts.MaxIntrusions)
	if err != nil {
		warnings = append(warnings, "list intrusions failed: "+err.Error())
	}
	contacts, err := src.Contacts(ctx)
	if err != nil {
		warnings = append(warnings, "list contacts failed: "+err.Error())
	}

	now := time.Now()
	b := newBuilder(opts.FontPath)
	if !b.utf8 {
		warnings = append(warnings, "utf8 font not available; non-ascii text replaced with '?'")
	}
	b.header(now, opts)
	b.overview(status, commands, intrusions)
	b.warnings(warnings)
	b.commands(commands)
	warnings = append(warnings, b.intrusions(intrusions)...)
	b.contacts(contacts)

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	if err := b.pdf.OutputFileAndClose(opts.Path); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	if err := os.Chmod(opts.Path, 0o600); err != nil {
		return nil, err
	}

	sum, err := fileSHA256(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}
	return &Result{
		Path:        opts.Path,
		SHA256:      sum,
		Commands:    len(commands),
		Intrusions:  len(intrusions),
		Warnings:    warnings,
		GeneratedAt: now,
	}, nil
}

type builder struct {
	pdf    *gofpdf.Fpdf
	family string
	utf8   bool
}

func newBuilder(fontPath string) *builder {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("SecureTrack Incident Report", false)
	pdf.SetCreator("securetrack", false)

	b := &builder{pdf: pdf, family: "Helvetica"}
	candidates := fontCandidates
	if fontPath != "" {
		candidates = append([]string{fontPath}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font("unicode", "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font("unicode", "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		b.family, b.utf8 = "unicode", true
		break
	}
	pdf.AddPage()
	return b
}

func (b *builder) text(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(s)
	s = strings.TrimSpace(s)
	if b.utf8 {
		return s
	}
	var out strings.Builder
	for _, r := range s {
		if r >= 32 && r <= 126 {
			out.WriteRune(r)
		} else {
			out.WriteRune('?')
		}
	}
	return out.String()
}

func (b *builder) section(title string) {
	b.pdf.Ln(2)
	b.pdf.SetFont(b.family, "B", 12)
	b.pdf.SetTextColor(0, 0, 0)
	b.pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	b.pdf.SetDrawColor(200, 200, 200)
	b.pdf.Line(b.pdf.GetX(), b.pdf.GetY(), 196, b.pdf.GetY())
	b.pdf.Ln(2)
}

func (b *builder) kv(key, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	b.pdf.SetFont(b.family, "B", 10)
	b.pdf.SetTextColor(30, 30, 30)
	b.pdf.CellFormat(44, 5.2, key+":", "", 0, "L", false, 0, "")
	b.pdf.SetFont(b.family, "", 10)
	b.pdf.MultiCell(0, 5.2, b.text(value), "", "L", false)
}

func (b *builder) empty() {
	b.pdf.SetFont(b.family, "", 10)
	b.pdf.SetTextColor(90, 90, 90)
	b.pdf.MultiCell(0, 5, "(none)", "", "L", false)
}

func (b *builder) header(now time.Time, opts Options) {
	b.pdf.SetFont(b.family, "B", 16)
	b.pdf.CellFormat(0, 9, "SecureTrack Incident Report", "", 1, "L", false, 0, "")
	b.pdf.SetFont(b.family, "", 10)
	b.pdf.SetTextColor(60, 60, 60)
	b.pdf.CellFormat(0, 6, "Generated at: "+now.Format(timeLayout), "", 1, "L", false, 0, "")
	b.pdf.CellFormat(0, 6, "Prepared by: "+b.text(opts.Operator), "", 1, "L", false, 0, "")
	if strings.TrimSpace(opts.Note) != "" {
		b.pdf.MultiCell(0, 5, "Note: "+b.text(opts.Note), "", "L", false)
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (b *builder) overview(s Status, commands []store.CommandLog, intrusions []store.IntruderLog) {
	counts := make(map[store.CommandStatus]int)
	for _, c := range commands {
		counts[c.Status]++
	}

	b.section("1. Device Status")
	b.kv("Agent version", s.Version)
	b.kv("Setup complete", yesNo(s.SetupComplete))
	b.kv("Protection enabled", yesNo(s.ProtectionEnabled))
	b.kv("Remote wipe enabled", yesNo(s.WipeEnabled))
	b.kv("SIM bound", yesNo(s.SimBound))
	b.kv("Failed unlocks", fmt.Sprint(s.FailedUnlocks))
	b.kv("Commands", fmt.Sprintf("%d (success=%d, failed=%d, unauthorized=%d)",
		len(commands), counts[store.StatusSuccess], counts[store.StatusFailed], counts[store.StatusUnauthorized]))
	b.kv("Intrusion captures", fmt.Sprint(len(intrusions)))
}

func (b *builder) warnings(warnings []string) {
	if len(warnings) == 0 {
		return
	}
	b.section("Warnings")
	b.pdf.SetFont(b.family, "", 9)
	b.pdf.SetTextColor(120, 80, 0)
	for _, w := range warnings {
		b.pdf.MultiCell(0, 4.5, "- "+b.text(w), "", "L", false)
	}
}

func (b *builder) commands(logs []store.CommandLog) {
	b.section("2. Command Ledger")
	if len(logs) == 0 {
		b.empty()
		return
	}
	for _, c := range logs {
		b.pdf.SetFont(b.family, "B", 10)
		b.pdf.SetTextColor(20, 20, 20)
		b.pdf.MultiCell(0, 5, fmt.Sprintf("#%d %s | %s | %s", c.ID, c.CommandName, c.Status, c.CreatedAt.Format(timeLayout)), "", "L", false)
		b.pdf.SetFont(b.family, "", 9)
		b.pdf.SetTextColor(40, 40, 40)
		b.pdf.MultiCell(0, 4.5, "sender: "+b.text(logging.MaskAddress(c.Sender)), "", "L", false)
		if c.ResultMessage != "" {
			b.pdf.MultiCell(0, 4.5, "result: "+b.text(c.ResultMessage), "", "L", false)
		}
		if c.Location != nil {
			b.pdf.MultiCell(0, 4.5, fmt.Sprintf("location: %.6f, %.6f", c.Location.Lat, c.Location.Lng), "", "L", false)
		}
		b.pdf.Ln(1)
	}
}

// intrusions lists captures and embeds the images it can read.
func (b *builder) intrusions(logs []store.IntruderLog) []string {
	b.section("3. Intrusion Captures")
	if len(logs) == 0 {
		b.empty()
		return nil
	}
	var warnings []string
	for _, l := range logs {
		b.pdf.SetFont(b.family, "B", 10)
		b.pdf.SetTextColor(20, 20, 20)
		b.pdf.MultiCell(0, 5, fmt.Sprintf("#%d %s | %s", l.ID, l.Reason, l.CapturedAt.Format(timeLayout)), "", "L", false)
		b.pdf.SetFont(b.family, "", 9)
		b.pdf.SetTextColor(40, 40, 40)
		if l.Location != "" {
			b.pdf.MultiCell(0, 4.5, "location: "+b.text(l.Location), "", "L", false)
		}
		b.pdf.MultiCell(0, 4.5, "image: "+b.text(l.ImagePath), "", "L", false)
		if err := b.image(l.ImagePath); err != nil {
			warnings = append(warnings, fmt.Sprintf("capture %d: %v", l.ID, err))
		}
		b.pdf.Ln(1)
	}
	return warnings
}

func (b *builder) image(path string) error {
	var kind string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		kind = "JPG"
	case ".png":
		kind = "PNG"
	default:
		return fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	opt := gofpdf.ImageOptions{ImageType: kind, ReadDpi: true}
	info := b.pdf.RegisterImageOptionsReader(path, opt, f)
	if b.pdf.Err() {
		err := b.pdf.Error()
		b.pdf.ClearError()
		return err
	}
	w := 60.0
	h := w * info.Height() / info.Width()
	b.pdf.ImageOptions(path, b.pdf.GetX(), b.pdf.GetY(), w, h, true, opt, 0, "")
	return nil
}

func (b *builder) contacts(contacts []store.EmergencyContact) {
	b.section("4. Emergency Contacts")
	if len(contacts) == 0 {
		b.empty()
		return
	}
	for _, c := range contacts {
		label := c.Name
		if c.IsPrimary {
			label += " (primary)"
		}
		b.kv(label, c.PhoneNumber)
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
