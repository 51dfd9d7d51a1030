package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeTestWAV(t *testing.T, sampleRate, channels int, frames [][]int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	data := make([]int, 0, len(frames)*channels)
	for _, fr := range frames {
		data = append(data, fr...)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav encoder: %v", err)
	}
	return path
}

func TestDecodeWAV_DownmixAndResample(t *testing.T) {
	frames := [][]int{{100, 300}, {-100, -300}, {0, 1000}, {50, 50}}
	path := writeTestWAV(t, 8000, 2, frames)

	samples, err := decodeWAV(path, 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []int16{200, 200, -200, -200, 500, 500, 50, 50}
	if len(samples) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(samples))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestDecodeWAV_Errors(t *testing.T) {
	dir := t.TempDir()
	notWAV := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notWAV, []byte("definitely not riff data"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.wav")},
		{"not a wav", notWAV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeWAV(tt.path, 16000); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestResampleNearest(t *testing.T) {
	in := []int16{1, 2, 3, 4}

	if got := resampleNearest(in, 16000, 16000); len(got) != 4 {
		t.Errorf("same rate should be a no-op, got %v", got)
	}
	down := resampleNearest(in, 16000, 8000)
	if len(down) != 2 || down[0] != 1 || down[1] != 3 {
		t.Errorf("downsample = %v, want [1 3]", down)
	}
	up := resampleNearest(in, 8000, 16000)
	if len(up) != 8 || up[1] != 1 || up[2] != 2 {
		t.Errorf("upsample = %v", up)
	}
}

func TestFileCapturer_Streams(t *testing.T) {
	path := writeTestWAV(t, 16000, 1, [][]int{{7}, {7}, {7}})
	c := &FileCapturer{DisplayPath: path}
	ctx := context.Background()

	display, err := c.CaptureDisplay(ctx, DisplayCaptureOptions(16000))
	if err != nil {
		t.Fatalf("capture display: %v", err)
	}
	if len(display.Tracks()) != 2 || len(display.AudioTracks()) != 1 {
		t.Errorf("expected video + audio display tracks, got %d/%d", len(display.Tracks()), len(display.AudioTracks()))
	}

	buf := make([]int16, 10)
	n, err := display.AudioTracks()[0].Read(buf)
	if err != nil || n != 3 {
		t.Errorf("expected 3 samples, got %d (%v)", n, err)
	}
	if _, err := display.AudioTracks()[0].Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF at end of file, got %v", err)
	}

	mic, err := c.CaptureMicrophone(ctx, MicrophoneCaptureOptions(16000))
	if err != nil {
		t.Fatalf("capture microphone: %v", err)
	}
	n, err = mic.Tracks()[0].Read(buf)
	if err != nil || n != len(buf) {
		t.Errorf("expected silent microphone frame, got %d (%v)", n, err)
	}

	display.Stop()
	mic.Stop()
	mic.Stop()
	if _, err := mic.Tracks()[0].Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after stop, got %v", err)
	}
}

func TestPCMTrack_RealtimeStopUnblocks(t *testing.T) {
	tr := newPCMTrack("slow", nil, 1, true, true)
	done := make(chan error, 1)

	go func() {
		_, err := tr.Read(make([]int16, 100))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	tr.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Errorf("expected EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock a paced read")
	}
}

func TestNoDisplayAudioCapturer_VideoOnly(t *testing.T) {
	c := NoDisplayAudioCapturer{Capturer: &FileCapturer{}}

	s, err := c.CaptureDisplay(context.Background(), DisplayCaptureOptions(16000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.AudioTracks()) != 0 {
		t.Errorf("expected no audio tracks, got %d", len(s.AudioTracks()))
	}
	if s.Tracks()[0].Kind() != TrackVideo {
		t.Errorf("expected video track, got %v", s.Tracks()[0].Kind())
	}
	s.Stop()
}
