package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// clipExt is the file extension of hold clips in the audio directory.
const clipExt = ".dca"

// Library resolves clip names to DCA files under one directory and caches
// decoded clips so the hold loop does not re-read them.
type Library struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	clips map[string]*Clip
}

// NewLibrary creates a clip library rooted at dir.
func NewLibrary(dir string, logger *slog.Logger) *Library {
	return &Library{
		dir:    dir,
		logger: logger.With("subsystem", "audio-library"),
		clips:  make(map[string]*Clip),
	}
}

// Path returns the file backing a clip name.
func (l *Library) Path(name string) string {
	return filepath.Join(l.dir, name+clipExt)
}

// Clip returns the decoded clip, loading it on first use.
func (l *Library) Clip(name string) (*Clip, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clips[name]; ok {
		return c, nil
	}
	c, err := LoadClip(name, l.Path(name))
	if err != nil {
		return nil, err
	}
	l.clips[name] = c
	return c, nil
}

// Validate loads each named clip and logs its duration. It returns the
// first error but keeps checking the remaining clips so every problem is
// logged at startup.
func (l *Library) Validate(names ...string) error {
	var first error
	for _, name := range names {
		path := l.Path(name)
		if _, err := os.Stat(path); err != nil {
			l.logger.Warn("hold clip missing", "clip", name, "path", path, "error", err)
			if first == nil {
				first = fmt.Errorf("clip %s: %w", name, err)
			}
			continue
		}
		c, err := l.Clip(name)
		if err != nil {
			l.logger.Warn("hold clip invalid", "clip", name, "path", path, "error", err)
			if first == nil {
				first = fmt.Errorf("clip %s: %w", name, err)
			}
			continue
		}
		l.logger.Info("hold clip loaded", "clip", name, "frames", len(c.Frames), "duration", c.Duration())
	}
	return first
}

// Player streams clip frames into a voice transport's opus send channel.
type Player struct {
	logger *slog.Logger
}

// NewPlayer creates a player.
func NewPlayer(logger *slog.Logger) *Player {
	return &Player{logger: logger.With("subsystem", "audio-player")}
}

// PlayResult holds the outcome of a playback.
type PlayResult struct {
	// FramesSent is the number of opus frames handed to the transport.
	FramesSent int
	// Duration is the wall-clock playback time.
	Duration time.Duration
}

// Play sends every frame of clip to out. The transport paces delivery, so
// Play blocks for roughly the clip duration. Cancelling ctx stops playback
// early and returns ctx.Err() with a partial result.
func (p *Player) Play(ctx context.Context, clip *Clip, out chan<- []byte) (*PlayResult, error) {
	start := time.Now()
	sent := 0

	p.logger.Debug("playing clip", "clip", clip.Name, "frames", len(clip.Frames))

	for _, frame := range clip.Frames {
		select {
		case <-ctx.Done():
			p.logger.Debug("playback cancelled",
				"clip", clip.Name,
				"frames_sent", sent,
				"remaining_frames", len(clip.Frames)-sent,
			)
			return &PlayResult{FramesSent: sent, Duration: time.Since(start)}, ctx.Err()
		case out <- frame:
			sent++
		}
	}

	duration := time.Since(start)
	p.logger.Debug("playback complete", "clip", clip.Name, "frames_sent", sent, "duration", duration)
	return &PlayResult{FramesSent: sent, Duration: duration}, nil
}
