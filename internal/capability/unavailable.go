package capability

import (
	"context"
	"io"
	"time"
)

// Unavailable implements every capability as never granted. Drivers embed it
// for the parts of a device they cannot reach.
type Unavailable struct{}

var (
	_ Admin      = Unavailable{}
	_ Camera     = Unavailable{}
	_ Microphone = Unavailable{}
	_ Locator    = Unavailable{}
	_ Dialer     = Unavailable{}
	_ Audio      = Unavailable{}
	_ Vibrator   = Unavailable{}
	_ Radio      = Unavailable{}
	_ Screen     = Unavailable{}
	_ Shade      = Unavailable{}
	_ Presenter  = Unavailable{}
	_ SimReader  = Unavailable{}
	_ Power      = Unavailable{}
)

func (Unavailable) Granted(context.Context) bool { return false }

func (Unavailable) Lock(context.Context) error { return ErrNotGranted }
func (Unavailable) Wipe(context.Context) error { return ErrNotGranted }

func (Unavailable) Capture(context.Context, string) error { return ErrNotGranted }

func (Unavailable) Record(context.Context, string, time.Duration) error { return ErrNotGranted }

func (Unavailable) LastFix(context.Context) (Fix, bool)     { return Fix{}, false }
func (Unavailable) RequestFix(context.Context) (Fix, error) { return Fix{}, ErrNotGranted }

func (Unavailable) Call(context.Context, string) error { return ErrNotGranted }

func (Unavailable) Volume(context.Context) (int, error)    { return 0, ErrNotGranted }
func (Unavailable) MaxVolume(context.Context) (int, error) { return 0, ErrNotGranted }
func (Unavailable) SetVolume(context.Context, int) error   { return ErrNotGranted }
func (Unavailable) PlayLoop(context.Context) error         { return ErrNotGranted }
func (Unavailable) StopPlayback(context.Context) error     { return nil }

func (Unavailable) Vibrate(context.Context, []time.Duration, bool) error { return ErrNotGranted }
func (Unavailable) Cancel(context.Context) error                         { return nil }

func (Unavailable) AirplaneMode(context.Context) (bool, error) { return false, nil }
func (Unavailable) DisableAirplaneMode(context.Context) error  { return ErrNotGranted }

func (Unavailable) Locked(context.Context) (bool, error) { return false, nil }

func (Unavailable) Collapse(context.Context) error { return ErrNotGranted }
func (Unavailable) Home(context.Context) error     { return ErrNotGranted }
func (Unavailable) Back(context.Context) error     { return ErrNotGranted }

func (Unavailable) InhibitShutdown(context.Context, string) (io.Closer, error) {
	return nil, ErrNotGranted
}

func (Unavailable) ShowFakeShutdown(context.Context) error { return ErrNotGranted }

func (Unavailable) SimIdentifier(context.Context) (string, error) { return "", ErrNotGranted }
func (Unavailable) OwnNumber(context.Context) (string, error)     { return "", nil }
