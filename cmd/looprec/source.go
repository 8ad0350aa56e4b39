package main

import (
	"context"
	stdErrors "errors"
	"io"
	"time"

	"github.com/alxayo/go-looprec/internal/media"
)

type frameSource interface {
	Next() (media.Frame, error)
}

type generatorSource struct {
	gen *media.Generator
}

func newGeneratorSource(fps, gopSecs int) *generatorSource {
	gen := media.NewGenerator()
	gen.KeyInterval = fps * gopSecs
	gen.Step = int64(time.Second/time.Microsecond) / int64(fps)
	return &generatorSource{gen: gen}
}

func (g *generatorSource) Next() (media.Frame, error) { return g.gen.Next(), nil }

type frameAdder interface {
	Add(f media.Frame)
}

// pump moves frames from src to dst until the source ends or ctx is done.
// With realtime set, frames are released at the pace of their timestamps.
func pump(ctx context.Context, src frameSource, dst frameAdder, realtime bool) error {
	var (
		start    time.Time
		firstPTS int64
	)
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := src.Next()
		if stdErrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if realtime && !f.IsCodecConfig() {
			if start.IsZero() {
				start, firstPTS = time.Now(), f.PTS
			} else if wait := time.Until(start.Add(time.Duration(f.PTS-firstPTS) * time.Microsecond)); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
		}
		dst.Add(f)
	}
}
