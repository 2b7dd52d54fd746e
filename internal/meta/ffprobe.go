package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/franz/music-collection/internal/util"
)

// FFprobeInfo represents the output from ffprobe
type FFprobeInfo struct {
	Streams []FFprobeStream `json:"streams"`
	Format  *FFprobeFormat  `json:"format"`
}

// IntOrString can unmarshal both integers and strings from JSON
type IntOrString struct {
	Value int
}

// UnmarshalJSON implements custom unmarshaling for IntOrString
func (i *IntOrString) UnmarshalJSON(data []byte) error {
	var intVal int
	if err := json.Unmarshal(data, &intVal); err == nil {
		i.Value = intVal
		return nil
	}

	var strVal string
	if err := json.Unmarshal(data, &strVal); err != nil {
		return err
	}

	// unparseable values such as "N/A" read as 0
	parsed, err := strconv.Atoi(strVal)
	if err != nil {
		i.Value = 0
		return nil
	}
	i.Value = parsed
	return nil
}

// FFprobeStream represents an audio stream
type FFprobeStream struct {
	CodecName  string      `json:"codec_name"`
	CodecType  string      `json:"codec_type"`
	SampleRate IntOrString `json:"sample_rate"`
	Channels   int         `json:"channels"`
	Duration   string      `json:"duration"`
	BitRate    IntOrString `json:"bit_rate"`
}

// FFprobeFormat represents container format metadata
type FFprobeFormat struct {
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	BitRate    IntOrString       `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

// AudioStream returns the first audio stream, nil if there is none
func (i *FFprobeInfo) AudioStream() *FFprobeStream {
	for idx := range i.Streams {
		if i.Streams[idx].CodecType == "audio" || i.Streams[idx].CodecType == "" {
			return &i.Streams[idx]
		}
	}
	return nil
}

// RunFFprobe executes ffprobe and parses the JSON output
func RunFFprobe(ctx context.Context, path string) (*FFprobeInfo, error) {
	if !CheckFFprobeAvailable() {
		return nil, fmt.Errorf("ffprobe: %w", util.ErrNotFound)
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("ffprobe execution failed: %w", err)
	}

	return parseFFprobe(output)
}

func parseFFprobe(output []byte) (*FFprobeInfo, error) {
	var info FFprobeInfo
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &info, nil
}

// CheckFFprobeAvailable checks if ffprobe is available in PATH
func CheckFFprobeAvailable() bool {
	_, err := exec.LookPath("ffprobe")
	return err == nil
}
