package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"securetrack/internal/capability"
)

// Runner executes helper commands.
type Runner interface {
	Output(ctx context.Context, argv []string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Output runs argv and returns its standard output.
func (ExecRunner) Output(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, capability.ErrNotGranted
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s: %w", argv[0], err)
	}
	return out, nil
}

// expand substitutes {name} placeholders in every argument.
func expand(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		out[i] = arg
	}
	return out
}

func run(ctx context.Context, r Runner, argv []string, vars map[string]string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, capability.ErrNotGranted
	}
	return r.Output(ctx, expand(argv, vars))
}

// minRun spaces out reruns of a helper that exits immediately.
const minRun = 100 * time.Millisecond

// looper reruns a command until stopped. A command that fails straight
// away is retried after a pause so a broken helper does not spin.
type looper struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	pause  time.Duration
	logger *slog.Logger
}

func (l *looper) start(ctx context.Context, r Runner, argv []string, repeat bool) {
	l.stop()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	go func() {
		defer close(done)
		for {
			began := time.Now()
			var wait time.Duration
			if _, err := r.Output(ctx, argv); err != nil && ctx.Err() == nil {
				l.logger.Debug("helper command failed", "command", argv[0], "error", err)
				wait = l.pause
			} else {
				wait = minRun - time.Since(began)
			}
			if !repeat || ctx.Err() != nil {
				return
			}
			if wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		}
	}()
}

func (l *looper) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (l *looper) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func newLooper(logger *slog.Logger) *looper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &looper{pause: time.Second, logger: logger}
}

// CommandCamera captures stills with a helper such as fswebcam.
type CommandCamera struct {
	Runner  Runner
	Command []string
}

func (c *CommandCamera) Granted(context.Context) bool { return len(c.Command) > 0 }

// Capture writes a still to path.
func (c *CommandCamera) Capture(ctx context.Context, path string) error {
	_, err := run(ctx, c.Runner, c.Command, map[string]string{"path": path})
	return err
}

var percentRe = regexp.MustCompile(`(\d+)%`)
var numberRe = regexp.MustCompile(`\d+`)

// parseVolume reads the first percentage in out, or the first integer when
// there is none.
func parseVolume(out []byte) (int, error) {
	if m := percentRe.FindSubmatch(out); m != nil {
		return strconv.Atoi(string(m[1]))
	}
	if m := numberRe.Find(out); m != nil {
		return strconv.Atoi(string(m))
	}
	return 0, fmt.Errorf("no volume in %q", strings.TrimSpace(string(out)))
}

// CommandAudio drives the alarm through volume and playback helpers.
type CommandAudio struct {
	Runner     Runner
	GetCommand []string
	SetCommand []string
	Siren      []string
	Max        int

	loop *looper
}

// NewCommandAudio creates an audio capability from helper commands.
func NewCommandAudio(r Runner, get, set, siren []string, maxVolume int, logger *slog.Logger) *CommandAudio {
	if maxVolume <= 0 {
		maxVolume = 100
	}
	return &CommandAudio{Runner: r, GetCommand: get, SetCommand: set, Siren: siren, Max: maxVolume, loop: newLooper(logger)}
}

func (a *CommandAudio) Granted(context.Context) bool { return len(a.Siren) > 0 }

func (a *CommandAudio) Volume(ctx context.Context) (int, error) {
	out, err := run(ctx, a.Runner, a.GetCommand, nil)
	if err != nil {
		return 0, err
	}
	return parseVolume(out)
}

func (a *CommandAudio) MaxVolume(context.Context) (int, error) { return a.Max, nil }

func (a *CommandAudio) SetVolume(ctx context.Context, level int) error {
	_, err := run(ctx, a.Runner, a.SetCommand, map[string]string{"level": strconv.Itoa(level)})
	return err
}

// PlayLoop replays the siren sound until StopPlayback.
func (a *CommandAudio) PlayLoop(ctx context.Context) error {
	if len(a.Siren) == 0 {
		return capability.ErrNotGranted
	}
	a.loop.start(ctx, a.Runner, a.Siren, true)
	return nil
}

func (a *CommandAudio) StopPlayback(context.Context) error {
	a.loop.stop()
	return nil
}

// Playing reports whether the siren loop is running.
func (a *CommandAudio) Playing() bool { return a.loop.running() }

// CommandVibrator drives the haptic motor with a helper such as fbcli.
type CommandVibrator struct {
	Runner  Runner
	Command []string

	loop *looper
}

// NewCommandVibrator creates a vibrator from a helper command.
func NewCommandVibrator(r Runner, command []string, logger *slog.Logger) *CommandVibrator {
	return &CommandVibrator{Runner: r, Command: command, loop: newLooper(logger)}
}

func (v *CommandVibrator) Granted(context.Context) bool { return len(v.Command) > 0 }

// Vibrate runs the helper with the pattern as comma separated milliseconds.
func (v *CommandVibrator) Vibrate(ctx context.Context, pattern []time.Duration, repeat bool) error {
	if len(v.Command) == 0 {
		return capability.ErrNotGranted
	}
	ms := make([]string, len(pattern))
	for i, d := range pattern {
		ms[i] = strconv.FormatInt(d.Milliseconds(), 10)
	}
	v.loop.start(ctx, v.Runner, expand(v.Command, map[string]string{"pattern": strings.Join(ms, ",")}), repeat)
	return nil
}

func (v *CommandVibrator) Cancel(context.Context) error {
	v.loop.stop()
	return nil
}

// CommandShade collapses the shade and navigates with shell helpers.
type CommandShade struct {
	Runner          Runner
	CollapseCommand []string
	HomeCommand     []string
	BackCommand     []string
}

func (s *CommandShade) Granted(context.Context) bool { return len(s.CollapseCommand) > 0 }

func (s *CommandShade) Collapse(ctx context.Context) error {
	_, err := run(ctx, s.Runner, s.CollapseCommand, nil)
	return err
}

func (s *CommandShade) Home(ctx context.Context) error {
	_, err := run(ctx, s.Runner, s.HomeCommand, nil)
	return err
}

func (s *CommandShade) Back(ctx context.Context) error {
	_, err := run(ctx, s.Runner, s.BackCommand, nil)
	return err
}

// CommandPresenter shows the fake shutdown screen with a helper. The helper
// usually stays up until the device is unlocked, so it runs in the
// background.
type CommandPresenter struct {
	Runner  Runner
	Command []string

	loop *looper
}

// NewCommandPresenter creates a presenter from a helper command.
func NewCommandPresenter(r Runner, command []string, logger *slog.Logger) *CommandPresenter {
	return &CommandPresenter{Runner: r, Command: command, loop: newLooper(logger)}
}

func (p *CommandPresenter) Granted(context.Context) bool { return len(p.Command) > 0 }

func (p *CommandPresenter) ShowFakeShutdown(ctx context.Context) error {
	if len(p.Command) == 0 {
		return capability.ErrNotGranted
	}
	p.loop.start(ctx, p.Runner, p.Command, false)
	return nil
}

// Dismiss closes the fake shutdown screen.
func (p *CommandPresenter) Dismiss() {
	p.loop.stop()
}
