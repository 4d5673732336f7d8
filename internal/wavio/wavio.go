// Package wavio reads voicebank samples and writes rendered notes. Samples
// are decoded to mono float64 at the engine's working rate; output is
// written as 16-bit mono WAV through an atomic temp-and-rename.
package wavio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	"github.com/youpy/go-wav"

	"github.com/book-expert/resampler-service/internal/core"
)

const (
	outputBitDepth   = 16
	outputChannels   = 1
	sampleScale      = 1 << (outputBitDepth - 1)
	tempFilePattern  = ".render-*.tmp"
	readChunkSamples = 65536
)

// fallbackExtensions is tried in order when the literal sample path does not
// exist. Hosts sometimes pass a .wav path for a sample stored with another
// extension alongside it. Every listed extension has a decoder in ReadMono.
var fallbackExtensions = []string{".wav", ".flac", ".mp3"}

// ErrUnsupportedSample reports a sample file that exists but cannot be
// decoded in any supported format.
var ErrUnsupportedSample = errors.New("unsupported sample format")

var errNoChannels = errors.New("no audio channels")

// ResolveSamplePath returns the first existing file among path and its
// sibling extension variants.
func ResolveSamplePath(path string) (string, error) {
	if _, statErr := os.Stat(path); statErr == nil {
		return path, nil
	}

	stem := path[:len(path)-len(filepath.Ext(path))]

	for _, ext := range fallbackExtensions {
		candidate := stem + ext
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: sample not found: %s", core.ErrIOFailure, path)
}

// ReadMono decodes a sample file to mono float64 in [-1, 1] at targetRate.
// The decoder is picked by extension: FLAC and MP3 samples are supported
// alongside RIFF WAV. Multi-channel sources are averaged; other rates are
// resampled.
func ReadMono(path string, targetRate int) ([]float64, error) {
	resolved, err := ResolveSamplePath(path)
	if err != nil {
		return nil, err
	}

	file, openErr := os.Open(resolved)
	if openErr != nil {
		return nil, fmt.Errorf("%w: open sample: %w", core.ErrIOFailure, openErr)
	}
	defer file.Close()

	var (
		mono       []float64
		sourceRate int
		decodeErr  error
	)

	switch filepath.Ext(resolved) {
	case ".flac":
		mono, sourceRate, decodeErr = readFLAC(file)
	case ".mp3":
		mono, sourceRate, decodeErr = readMP3(file)
	default:
		mono, sourceRate, decodeErr = readWAV(file)
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrUnsupportedSample, resolved, decodeErr)
	}

	if sourceRate == targetRate || len(mono) == 0 {
		return mono, nil
	}

	resampled, resampleErr := resample.Resample(mono, targetRate, sourceRate)
	if resampleErr != nil {
		return nil, fmt.Errorf("resample %s from %d to %d: %w",
			resolved, sourceRate, targetRate, resampleErr)
	}

	return resampled, nil
}

func readWAV(file *os.File) ([]float64, int, error) {
	reader := wav.NewReader(file)

	format, formatErr := reader.Format()
	if formatErr != nil {
		return nil, 0, fmt.Errorf("read format: %w", formatErr)
	}

	channels := int(format.NumChannels)
	if channels <= 0 {
		return nil, 0, errNoChannels
	}

	var mono []float64

	for {
		samples, readErr := reader.ReadSamples(readChunkSamples)
		if len(samples) > 0 {
			for _, sample := range samples {
				sum := 0.0
				for ch := range channels {
					sum += reader.FloatValue(sample, uint(ch))
				}

				mono = append(mono, sum/float64(channels))
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}

			return nil, 0, readErr
		}
	}

	return mono, int(format.SampleRate), nil
}

func readFLAC(file *os.File) ([]float64, int, error) {
	stream, streamErr := flac.New(file)
	if streamErr != nil {
		return nil, 0, fmt.Errorf("parse stream: %w", streamErr)
	}

	channels := int(stream.Info.NChannels)
	if channels <= 0 {
		return nil, 0, errNoChannels
	}

	scale := float64(int64(1) << (stream.Info.BitsPerSample - 1))

	var mono []float64

	for {
		frame, frameErr := stream.ParseNext()
		if frameErr != nil {
			if errors.Is(frameErr, io.EOF) {
				break
			}

			return nil, 0, fmt.Errorf("parse frame: %w", frameErr)
		}

		for i := range int(frame.BlockSize) {
			sum := 0.0
			for ch := range channels {
				sum += float64(frame.Subframes[ch].Samples[i]) / scale
			}

			mono = append(mono, sum/float64(channels))
		}
	}

	return mono, int(stream.Info.SampleRate), nil
}

func readMP3(file *os.File) ([]float64, int, error) {
	decoder, decoderErr := mp3.NewDecoder(file)
	if decoderErr != nil {
		return nil, 0, fmt.Errorf("open decoder: %w", decoderErr)
	}

	// The decoder always yields interleaved stereo 16-bit little-endian
	// samples regardless of the source channel layout.
	var mono []float64

	buffer := make([]byte, readChunkSamples*4)

	for {
		read, readErr := decoder.Read(buffer)

		for offset := 0; offset+3 < read; offset += 4 {
			left := int16(uint16(buffer[offset]) | uint16(buffer[offset+1])<<8)
			right := int16(uint16(buffer[offset+2]) | uint16(buffer[offset+3])<<8)
			mono = append(mono, (float64(left)+float64(right))/(2*sampleScale))
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}

			return nil, 0, fmt.Errorf("decode frame: %w", readErr)
		}
	}

	return mono, decoder.SampleRate(), nil
}

// WriteMono writes signal as a 16-bit mono WAV at sampleRate. The file is
// staged in the destination directory and renamed into place so readers
// never observe a partial write.
func WriteMono(path string, signal []float64, sampleRate int) error {
	dir := filepath.Dir(path)

	mkdirErr := os.MkdirAll(dir, 0o755)
	if mkdirErr != nil {
		return fmt.Errorf("%w: create output directory: %w", core.ErrIOFailure, mkdirErr)
	}

	tempFile, tempErr := os.CreateTemp(dir, tempFilePattern)
	if tempErr != nil {
		return fmt.Errorf("%w: create staging file: %w", core.ErrIOFailure, tempErr)
	}

	tempPath := tempFile.Name()

	writeErr := writeSamples(tempFile, signal, sampleRate)

	closeErr := tempFile.Close()

	if writeErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("%w: encode %s: %w", core.ErrIOFailure, path, writeErr)
	}

	if closeErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("%w: close staging file: %w", core.ErrIOFailure, closeErr)
	}

	renameErr := os.Rename(tempPath, path)
	if renameErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("%w: publish %s: %w", core.ErrIOFailure, path, renameErr)
	}

	return nil
}

func writeSamples(w io.Writer, signal []float64, sampleRate int) error {
	writer := wav.NewWriter(w, uint32(len(signal)), outputChannels, uint32(sampleRate), outputBitDepth)

	buffered := make([]wav.Sample, 0, readChunkSamples)

	flush := func() error {
		if len(buffered) == 0 {
			return nil
		}

		if err := writer.WriteSamples(buffered); err != nil {
			return err
		}

		buffered = buffered[:0]

		return nil
	}

	for _, value := range signal {
		quantized := int(math.Round(clampUnit(value) * (sampleScale - 1)))
		buffered = append(buffered, wav.Sample{Values: [2]int{quantized, quantized}})

		if len(buffered) == readChunkSamples {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}

	if v < -1 {
		return -1
	}

	return v
}
