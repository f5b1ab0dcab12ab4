package transcoder

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// PlaylistPrefix names local playlists: <prefix>-<serial>.m3u8
const PlaylistPrefix = "eufy_security"

// Positions of the substituted values inside inputArgs
const (
	analyzeDurationIndex = 2
	videoCodecIndex      = 6
)

// inputArgs demuxes raw fragments from stdin and copies the video stream.
// The placeholders are replaced by BuildArgs.
var inputArgs = []string{
	"-y",
	"-analyzeduration", "{analyze_duration}",
	"-protocol_whitelist", "pipe,file,tcp",
	"-f", "{video_codec}",
	"-i", "-",
	"-vcodec", "copy",
	"-protocol_whitelist", "pipe,file,tcp,udp,rtsp,rtp",
}

// lowLatencyArgs tune segmenting and flushing for live viewing
var lowLatencyArgs = []string{
	"-hls_init_time", "0",
	"-hls_time", "1",
	"-hls_segment_type", "mpegts",
	"-hls_playlist_type", "event",
	"-hls_list_size", "2",
	"-preset", "ultrafast",
	"-tune", "zerolatency",
	"-g", "15",
	"-sc_threshold", "0",
	"-fflags", "genpts+nobuffer+flush_packets",
	"-loglevel", "debug",
	"-report",
}

// Output is where the transcoder writes and where consumers read from
type Output struct {
	Args []string // Trailing ffmpeg arguments selecting the muxer and target
	URL  string   // Address handed out as the stream source
}

// RTSPOutput pushes to an RTSP relay over TCP
func RTSPOutput(host string, port int, serial string) Output {
	url := fmt.Sprintf("rtsp://%s:%d/%s", host, port, serial)
	return Output{
		Args: []string{"-f", "rtsp", "-rtsp_transport", "tcp", url},
		URL:  url,
	}
}

// PlaylistOutput writes a local HLS playlist named after the serial
func PlaylistOutput(dir, serial string) Output {
	path := filepath.Join(dir, PlaylistName(serial))
	return Output{
		Args: []string{path},
		URL:  path,
	}
}

// PlaylistName returns the playlist file name for a serial
func PlaylistName(serial string) string {
	return fmt.Sprintf("%s-%s.m3u8", PlaylistPrefix, serial)
}

// Params configures one transcoder session
type Params struct {
	Codec           string  // ffmpeg input format, e.g. "h264" or "hevc"
	AnalyzeDuration float64 // Seconds; truncated to whole seconds
	Output          Output
}

// BuildArgs returns the full ffmpeg argument list for a session
func BuildArgs(p Params) []string {
	args := make([]string, 0, len(inputArgs)+len(lowLatencyArgs)+len(p.Output.Args))
	args = append(args, inputArgs...)
	args[analyzeDurationIndex] = analyzeDurationMicros(p.AnalyzeDuration)
	args[videoCodecIndex] = p.Codec
	args = append(args, lowLatencyArgs...)
	args = append(args, p.Output.Args...)
	return args
}

func analyzeDurationMicros(seconds float64) string {
	return strconv.FormatInt(int64(seconds)*1000000, 10)
}
