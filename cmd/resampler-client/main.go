// main package for the resampler-client, a small command-line harness that
// submits render requests to a running resampler service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Flag names.
const (
	flagServer     = "server"
	flagHealth     = "health"
	flagInput      = "input"
	flagOutput     = "output"
	flagPitch      = "pitch"
	flagVelocity   = "velocity"
	flagFlags      = "flags"
	flagOffset     = "offset"
	flagLength     = "length"
	flagConsonant  = "consonant"
	flagCutoff     = "cutoff"
	flagVolume     = "volume"
	flagModulation = "modulation"
	flagTempo      = "tempo"
	flagPitchBend  = "bend"
)

// Flag descriptions.
const (
	flagServerDesc     = "Base URL of the resampler service"
	flagHealthDesc     = "Check service health and exit"
	flagInputDesc      = "Voicebank sample path (.wav)"
	flagOutputDesc     = "Output file path (.wav)"
	flagPitchDesc      = "Note pitch as a name (C4) or MIDI number"
	flagVelocityDesc   = "Consonant velocity, 100 is neutral"
	flagFlagsDesc      = "Flag string, e.g. g-10B50"
	flagOffsetDesc     = "Sample offset in milliseconds"
	flagLengthDesc     = "Required note length in milliseconds"
	flagConsonantDesc  = "Fixed consonant region in milliseconds"
	flagCutoffDesc     = "Cutoff in milliseconds, negative measures from the offset"
	flagVolumeDesc     = "Output volume in percent"
	flagModulationDesc = "Pitch modulation in percent"
	flagTempoDesc      = "Tempo, e.g. !120"
	flagPitchBendDesc  = "Base64 pitch-bend string"
)

const (
	defaultServerURL = "http://127.0.0.1:8572"
	requestTimeout   = 180 * time.Second
)

// ErrServiceUnhealthy indicates a non-OK health response.
var ErrServiceUnhealthy = errors.New("service is not healthy")

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server     string
	health     bool
	input      string
	output     string
	pitch      string
	velocity   float64
	flags      string
	offset     float64
	length     float64
	consonant  float64
	cutoff     float64
	volume     float64
	modulation float64
	tempo      string
	pitchBend  string
}

func main() {
	err := run()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if flags.health {
		return checkHealth(ctx, flags.server)
	}

	if flags.input == "" || flags.output == "" {
		return errors.New("both --input and --output must be provided")
	}

	return submitRender(ctx, flags)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags() appFlags {
	var flags appFlags
	flag.StringVar(&flags.server, flagServer, defaultServerURL, flagServerDesc)
	flag.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flag.StringVar(&flags.input, flagInput, "", flagInputDesc)
	flag.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flag.StringVar(&flags.pitch, flagPitch, "C4", flagPitchDesc)
	flag.Float64Var(&flags.velocity, flagVelocity, 100, flagVelocityDesc)
	flag.StringVar(&flags.flags, flagFlags, "", flagFlagsDesc)
	flag.Float64Var(&flags.offset, flagOffset, 0, flagOffsetDesc)
	flag.Float64Var(&flags.length, flagLength, 500, flagLengthDesc)
	flag.Float64Var(&flags.consonant, flagConsonant, 0, flagConsonantDesc)
	flag.Float64Var(&flags.cutoff, flagCutoff, 0, flagCutoffDesc)
	flag.Float64Var(&flags.volume, flagVolume, 100, flagVolumeDesc)
	flag.Float64Var(&flags.modulation, flagModulation, 0, flagModulationDesc)
	flag.StringVar(&flags.tempo, flagTempo, "!120", flagTempoDesc)
	flag.StringVar(&flags.pitchBend, flagPitchBend, "AA", flagPitchBendDesc)
	flag.Parse()

	return flags
}

// buildRequestLine assembles the positional request line the service parses.
func buildRequestLine(flags appFlags) string {
	flagField := flags.flags
	if flagField == "" {
		flagField = `""`
	}

	fields := []string{
		flags.input,
		flags.output,
		flags.pitch,
		formatNumber(flags.velocity),
		flagField,
		formatNumber(flags.offset),
		formatNumber(flags.length),
		formatNumber(flags.consonant),
		formatNumber(flags.cutoff),
		formatNumber(flags.volume),
		formatNumber(flags.modulation),
		flags.tempo,
		flags.pitchBend,
	}

	return strings.Join(fields, " ")
}

func formatNumber(value float64) string {
	return fmt.Sprintf("%g", value)
}

func checkHealth(ctx context.Context, serverURL string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	defer func() { _ = response.Body.Close() }()

	body, _ := io.ReadAll(response.Body)

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrServiceUnhealthy, strings.TrimSpace(string(body)))
	}

	fmt.Println("Resampler service is healthy")

	return nil
}

func submitRender(ctx context.Context, flags appFlags) error {
	line := buildRequestLine(flags)

	request, err := http.NewRequestWithContext(
		ctx, http.MethodPost, flags.server+"/", strings.NewReader(line))
	if err != nil {
		return fmt.Errorf("failed to create render request: %w", err)
	}

	request.Header.Set("Content-Type", "text/plain; charset=utf-8")

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return fmt.Errorf("render request failed: %w", err)
	}

	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("failed to read render response: %w", readErr)
	}

	message := strings.TrimSpace(string(body))
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("render failed (%d): %s", response.StatusCode, message)
	}

	fmt.Println(message)

	return nil
}
