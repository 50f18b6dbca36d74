package utils

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCameraCapture_Args(t *testing.T) {
	c := NewCameraCapture("", nil)

	args, err := c.ffmpegArgs("linux")
	require.NoError(t, err)
	assert.Contains(t, args, "/dev/video0")
	assert.Contains(t, args, "v4l2")
	assert.Equal(t, "-", args[len(args)-1])

	c.Device = "/dev/video2"
	args, err = c.ffmpegArgs("linux")
	require.NoError(t, err)
	assert.Contains(t, args, "/dev/video2")

	_, err = c.ffmpegArgs("plan9")
	assert.Error(t, err)
}

func TestCameraCapture_Frame(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		t.Skip("no capture backend for " + runtime.GOOS)
	}
	c := NewCameraCapture("0", nil)

	var calls []string
	c.run = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		calls = append(calls, name)
		return []byte{0xff, 0xd8, 0xff}, nil
	}
	data, err := c.Frame(context.Background())
	require.NoError(t, err)
	assert.Len(t, data, 3)
	assert.Equal(t, []string{"ffmpeg"}, calls)

	c.run = func(context.Context, string, ...string) ([]byte, error) { return nil, nil }
	_, err = c.Frame(context.Background())
	assert.Error(t, err)

	c.run = func(context.Context, string, ...string) ([]byte, error) { return nil, errors.New("exit status 1") }
	_, err = c.Frame(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Frame(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
