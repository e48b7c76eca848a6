package app

import (
	"fmt"
	"os"

	"github.com/MrWong99/ghostvoice/internal/config"
	"github.com/MrWong99/ghostvoice/internal/orchestrator"
	"github.com/MrWong99/ghostvoice/pkg/audio"
)

// LoadFallback builds the scripted clip library. Clips with a file are read
// as raw PCM and resampled to rate; kinds without configured clips keep the
// built-in phrases.
func LoadFallback(cfg config.FallbackConfig, rate int) (*orchestrator.Fallback, error) {
	clips := make(map[orchestrator.FallbackKind][]orchestrator.Clip, len(cfg.Clips))
	for kind, entries := range cfg.Clips {
		for i, e := range entries {
			c := orchestrator.Clip{Text: e.Text}
			if e.File != "" {
				pcm, err := os.ReadFile(e.File)
				if err != nil {
					return nil, fmt.Errorf("fallback clip %s[%d]: %w", kind, i, err)
				}
				src := e.SampleRate
				if src == 0 {
					src = rate
				}
				c.PCM = audio.ResampleMono16(pcm, src, rate)
				c.SampleRate = rate
			}
			clips[orchestrator.FallbackKind(kind)] = append(clips[orchestrator.FallbackKind(kind)], c)
		}
	}
	return orchestrator.NewFallback(clips), nil
}
