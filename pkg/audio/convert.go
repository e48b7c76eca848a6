package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// bytesPerSample is the size of one 16-bit mono PCM sample.
const bytesPerSample = 2

// Format describes the sample rate of a mono 16-bit PCM stream.
type Format struct {
	SampleRate int
}

func (f Format) String() string { return fmt.Sprintf("%dHz mono", f.SampleRate) }

// FormatConverter resamples PCM to a target rate. It logs a warning once on
// corrupt input. It is safe for concurrent use.
type FormatConverter struct {
	Target        Format
	warnedCorrupt sync.Once
}

// Convert resamples pcm recorded at srcRate to the target rate. Odd-length
// input is truncated to whole samples.
func (c *FormatConverter) Convert(pcm []byte, srcRate int) []byte {
	if len(pcm)%bytesPerSample != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, truncating",
				"bytes", len(pcm),
				"sampleRate", srcRate,
			)
		})
		pcm = pcm[:len(pcm)-1]
	}
	return ResampleMono16(pcm, srcRate, c.Target.SampleRate)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Silence returns d worth of zeroed 16-bit mono PCM at sampleRate.
func Silence(d time.Duration, sampleRate int) []byte {
	if d <= 0 || sampleRate <= 0 {
		return nil
	}
	samples := int(int64(d) * int64(sampleRate) / int64(time.Second))
	return make([]byte, samples*bytesPerSample)
}

// Duration returns the playback length of 16-bit mono PCM at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := int64(len(pcm) / bytesPerSample)
	return time.Duration(samples * int64(time.Second) / int64(sampleRate))
}
