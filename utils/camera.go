package utils

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CameraCapture grabs single JPEG frames with ffmpeg.
type CameraCapture struct {
	// Device is a device index ("0") or, on Linux, a device path.
	Device string
	logger *zap.Logger
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewCameraCapture(device string, logger *zap.Logger) *CameraCapture {
	if device == "" {
		device = "0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CameraCapture{
		Device: device,
		logger: logger.With(zap.String("component", "camera")),
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// ffmpegArgs builds the capture command for the current platform.
func (c *CameraCapture) ffmpegArgs(goos string) ([]string, error) {
	jpegOut := []string{"-vframes", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-"}
	var in []string
	switch goos {
	case "darwin":
		in = []string{"-f", "avfoundation", "-video_size", "640x480", "-framerate", "30", "-i", c.Device}
	case "linux":
		dev := c.Device
		if _, err := strconv.Atoi(dev); err == nil {
			dev = "/dev/video" + dev
		}
		in = []string{"-f", "v4l2", "-video_size", "640x480", "-i", dev}
	case "windows":
		name := c.Device
		if _, err := strconv.Atoi(name); err == nil {
			name = "USB Camera"
		}
		in = []string{"-f", "dshow", "-video_size", "640x480", "-i", "video=" + name}
	default:
		return nil, fmt.Errorf("unsupported operating system: %s", goos)
	}
	return append(append([]string{"-loglevel", "error"}, in...), jpegOut...), nil
}

// Frame captures one frame. On macOS imagesnap is tried when ffmpeg fails.
func (c *CameraCapture) Frame(ctx context.Context) ([]byte, error) {
	args, err := c.ffmpegArgs(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	data, err := c.capture(ctx, "ffmpeg", args...)
	if err == nil || runtime.GOOS != "darwin" {
		return data, err
	}

	c.logger.Warn("Primary capture method failed, trying imagesnap", zap.Error(err))
	return c.capture(ctx, "imagesnap", "-d", c.Device, "-f", "jpeg", "-")
}

func (c *CameraCapture) capture(ctx context.Context, name string, args ...string) ([]byte, error) {
	output, err := c.run(ctx, name, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to capture image with %s: %w", name, err)
	}
	if len(output) == 0 {
		return nil, fmt.Errorf("no image data captured")
	}
	c.logger.Debug("Captured frame", zap.String("tool", name), zap.Int("size", len(output)), zap.String("args", strings.Join(args, " ")))
	return output, nil
}
