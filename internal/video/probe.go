package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Info is the subset of ffprobe output the matcher needs.
type Info struct {
	Width  int
	Height int
	FPS    float64
	Frames int // 0 when the container does not report it
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		RFrameRate    string `json:"r_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadFrames  string `json:"nb_read_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Available reports whether ffmpeg and ffprobe are on PATH.
func Available() bool {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Probe reads stream metadata from the first video stream. This is instant
// but Frames may be missing or inaccurate for VFR sources.
func Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Info, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return Info{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return Info{}, fmt.Errorf("no video stream found")
	}
	s := res.Streams[0]
	info := Info{Width: s.Width, Height: s.Height}

	info.FPS = parseRate(s.AvgFrameRate)
	if info.FPS == 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.Frames = n
	}
	return info, nil
}

// parseRate converts "30000/1001" style rates to a float, 0 when unknown.
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(strings.TrimSpace(rate), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// CountFrames decodes the whole stream to count its frames exactly.
func CountFrames(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_frames",
		"-show_entries", "stream=nb_read_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return 0, fmt.Errorf("no video stream found")
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadFrames)
	if err != nil {
		return 0, fmt.Errorf("ffprobe integer parse error: %w", err)
	}
	return count, nil
}
