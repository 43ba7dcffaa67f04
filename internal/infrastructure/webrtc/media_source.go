package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
)

var (
	// A single Opus frame that decodes to 20ms of silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// A minimal VP8 keyframe header; receivers treat it as a blank frame.
	vp8Frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x02, 0x00, 0x02, 0x00}
)

const (
	audioFrameInterval  = 20 * time.Millisecond
	screenFrameInterval = 100 * time.Millisecond
)

// LocalTrack is a sample track fed by a pump goroutine until Stop.
type LocalTrack struct {
	kind     domain.TrackKind
	sample   *webrtc.TrackLocalStaticSample
	frame    []byte
	interval time.Duration
	logger   *zap.SugaredLogger

	enabled  atomic.Bool
	written  atomic.Int64
	done     chan struct{}
	stopOnce sync.Once
}

var _ ports.MediaTrack = (*LocalTrack)(nil)

func newLocalTrack(kind domain.TrackKind, codec webrtc.RTPCodecCapability, id, streamID string, frame []byte, interval time.Duration, logger *zap.SugaredLogger) (*LocalTrack, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &LocalTrack{
		kind:     kind,
		sample:   sample,
		frame:    frame,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *LocalTrack) ID() string              { return t.sample.ID() }
func (t *LocalTrack) Kind() domain.TrackKind  { return t.kind }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }

// Written counts samples handed to the track so far.
func (t *LocalTrack) Written() int64 { return t.written.Load() }

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *LocalTrack) pump() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			if err := t.sample.WriteSample(media.Sample{Data: t.frame, Duration: t.interval}); err != nil {
				t.logger.Debugw("Sample write failed", "track_id", t.ID(), "error", err)
				continue
			}
			t.written.Add(1)
		}
	}
}

// SyntheticSource stands in for capture devices: the microphone yields Opus
// silence and the screen a static VP8 frame.
type SyntheticSource struct {
	logger *zap.SugaredLogger
}

var _ ports.MediaSource = (*SyntheticSource)(nil)

func NewSyntheticSource(logger *zap.SugaredLogger) *SyntheticSource {
	return &SyntheticSource{logger: logger.Named("media")}
}

func (s *SyntheticSource) AcquireAudio(ctx context.Context) (ports.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	return newLocalTrack(domain.TrackAudio, codec, "audio", "voicelink-"+uuid.NewString(), opusSilence, audioFrameInterval, s.logger)
}

func (s *SyntheticSource) AcquireScreen(ctx context.Context) (ports.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	return newLocalTrack(domain.TrackVideo, codec, "screen", "voicelink-screen-"+uuid.NewString(), vp8Frame, screenFrameInterval, s.logger)
}
