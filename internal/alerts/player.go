package alerts

import (
	"errors"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// ErrPlaybackBlocked is returned when the environment does not allow the
// cue to be played.
var ErrPlaybackBlocked = errors.New("alerts: playback blocked")

// Player plays the audio cue for a new alert.
type Player interface {
	Play() error
}

// BellPlayer rings the terminal bell.
type BellPlayer struct {
	out io.Writer
	tty bool
}

// NewBellPlayer returns a player that writes BEL to f. Playback is blocked
// when f is not a terminal.
func NewBellPlayer(f *os.File) *BellPlayer {
	fd := f.Fd()
	return &BellPlayer{
		out: f,
		tty: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// Play implements Player.
func (b *BellPlayer) Play() error {
	if !b.tty {
		return ErrPlaybackBlocked
	}
	_, err := b.out.Write([]byte{'\a'})
	return err
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func() error

// Play implements Player.
func (f PlayerFunc) Play() error { return f() }
