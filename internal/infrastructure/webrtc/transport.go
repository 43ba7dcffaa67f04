package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
)

const (
	keepAliveLabel = "keepalive"
	// RTP statistics are flushed to metrics every this many packets.
	rtpReportEvery = 50
	rtpMTU         = 1500
)

// PionTransport adapts one pion PeerConnection to ports.Transport.
//
// Local ICE candidates are held until the local description has been
// emitted, and remote candidates until the remote description is set.
type PionTransport struct {
	pc      *webrtc.PeerConnection
	role    domain.CallRole
	events  ports.TransportEvents
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	// sdpMu serializes description changes.
	sdpMu sync.Mutex
	// emitMu orders outbound signals: a description always precedes its candidates.
	emitMu          sync.Mutex
	localEmitted    bool
	pendingLocal    []webrtc.ICECandidateInit
	pendingRemote   []webrtc.ICECandidateInit
	pendingRemoteMu sync.Mutex
	remoteDescSet   bool
	stateMu         sync.Mutex
	dc              *webrtc.DataChannel
	senders         map[string]*webrtc.RTPSender
	destroyed       bool
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

var _ ports.Transport = (*PionTransport)(nil)

func newPionTransport(
	pc *webrtc.PeerConnection,
	opts ports.TransportOptions,
	events ports.TransportEvents,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) (*PionTransport, error) {
	t := &PionTransport{
		pc:      pc,
		role:    opts.Role,
		events:  events,
		metrics: metrics,
		logger:  logger.With("role", string(opts.Role)),
		senders: make(map[string]*webrtc.RTPSender),
	}

	pc.OnICECandidate(t.handleLocalCandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debugw("ICE connection state changed", "ice_state", state.String())
	})
	pc.OnTrack(t.handleRemoteTrack)

	for _, track := range opts.Tracks {
		if err := t.AddTrack(track); err != nil {
			return nil, err
		}
	}

	if opts.Role == domain.RoleOfferer {
		dc, err := pc.CreateDataChannel(keepAliveLabel, nil)
		if err != nil {
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		t.bindDataChannel(dc)

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.offer(domain.SignalOffer); err != nil {
				t.emitError(fmt.Errorf("initial offer: %w", err))
			}
		}()
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != keepAliveLabel {
				t.logger.Debugw("Ignoring unexpected data channel", "label", dc.Label())
				return
			}
			t.bindDataChannel(dc)
		})
	}
	return t, nil
}

func (t *PionTransport) bindDataChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.events.OnData != nil {
			t.events.OnData(msg.Data)
		}
	})
	t.stateMu.Lock()
	t.dc = dc
	t.stateMu.Unlock()
}

func (t *PionTransport) isDestroyed() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.destroyed
}

func (t *PionTransport) emitSignal(kind domain.SignalKind, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		t.logger.Errorw("Failed to encode local signal", "kind", kind, "error", err)
		return
	}
	if t.events.OnSignal != nil {
		t.events.OnSignal(domain.LocalSignal{Kind: kind, Payload: payload})
	}
}

func (t *PionTransport) emitError(err error) {
	if t.isDestroyed() {
		return
	}
	if t.events.OnError != nil {
		t.events.OnError(err)
	}
}

// emitDescription sends the current local description, then any candidates
// gathered before it.
func (t *PionTransport) emitDescription(kind domain.SignalKind) {
	desc := t.pc.LocalDescription()
	if desc == nil {
		return
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	t.emitSignal(kind, desc)
	if t.localEmitted {
		return
	}
	t.localEmitted = true
	for _, c := range t.pendingLocal {
		t.emitSignal(domain.SignalICECandidate, c)
	}
	t.pendingLocal = nil
}

func (t *PionTransport) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		t.logger.Debugw("ICE gathering complete")
		return
	}
	init := c.ToJSON()

	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if !t.localEmitted {
		t.pendingLocal = append(t.pendingLocal, init)
		return
	}
	t.emitSignal(domain.SignalICECandidate, init)
}

func (t *PionTransport) offer(kind domain.SignalKind) error {
	t.sdpMu.Lock()
	defer t.sdpMu.Unlock()

	if t.isDestroyed() {
		return domain.ErrTransportClosed
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	t.emitDescription(kind)
	return nil
}

// Signal applies one remote signal. A renegotiation is a remote offer.
func (t *PionTransport) Signal(kind domain.SignalKind, payload json.RawMessage) error {
	if t.isDestroyed() {
		return domain.ErrTransportClosed
	}

	switch kind {
	case domain.SignalOffer, domain.SignalRenegotiation, domain.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return fmt.Errorf("decode %s: %w", kind, err)
		}
		return t.applyDescription(kind, desc)
	case domain.SignalICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return t.addRemoteCandidate(c)
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}
}

func (t *PionTransport) applyDescription(kind domain.SignalKind, desc webrtc.SessionDescription) error {
	t.sdpMu.Lock()
	defer t.sdpMu.Unlock()

	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	if err := t.flushRemoteCandidates(); err != nil {
		t.logger.Warnw("Failed to apply queued candidates", "error", err)
	}
	if kind == domain.SignalAnswer {
		return nil
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	t.emitDescription(domain.SignalAnswer)
	return nil
}

func (t *PionTransport) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	t.pendingRemoteMu.Lock()
	if !t.remoteDescSet {
		t.pendingRemote = append(t.pendingRemote, c)
		t.pendingRemoteMu.Unlock()
		return nil
	}
	t.pendingRemoteMu.Unlock()
	return t.pc.AddICECandidate(c)
}

// flushRemoteCandidates runs with sdpMu held, right after a remote description.
func (t *PionTransport) flushRemoteCandidates() error {
	t.pendingRemoteMu.Lock()
	t.remoteDescSet = true
	queued := t.pendingRemote
	t.pendingRemote = nil
	t.pendingRemoteMu.Unlock()

	var errs []error
	for _, c := range queued {
		if err := t.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *PionTransport) Send(data []byte) error {
	t.stateMu.Lock()
	dc := t.dc
	t.stateMu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrDataChannelNotOpen
	}
	return dc.Send(data)
}

func (t *PionTransport) AddTrack(track ports.MediaTrack) error {
	local, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("%w: %T", domain.ErrUnsupportedTrack, track)
	}

	sender, err := t.pc.AddTrack(local.sample)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	t.stateMu.Lock()
	t.senders[local.ID()] = sender
	t.stateMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readRTCP(func() ([]rtcp.Packet, error) {
			packets, _, err := sender.ReadRTCP()
			return packets, err
		})
	}()
	return nil
}

func (t *PionTransport) RemoveTrack(track ports.MediaTrack) error {
	t.stateMu.Lock()
	sender, ok := t.senders[track.ID()]
	delete(t.senders, track.ID())
	t.stateMu.Unlock()

	if !ok {
		return nil
	}
	return t.pc.RemoveTrack(sender)
}

func (t *PionTransport) Renegotiate() error {
	return t.offer(domain.SignalRenegotiation)
}

func (t *PionTransport) Destroy() error {
	t.stateMu.Lock()
	if t.destroyed {
		t.stateMu.Unlock()
		return nil
	}
	t.destroyed = true
	t.stateMu.Unlock()

	err := t.pc.Close()
	t.wg.Wait()
	t.notifyClose()
	return err
}

func (t *PionTransport) notifyClose() {
	t.closeOnce.Do(func() {
		if t.events.OnClose != nil {
			t.events.OnClose()
		}
	})
}

func (t *PionTransport) ConnectionState() domain.ConnectionState {
	return domain.ConnectionState(t.pc.ConnectionState().String())
}

func (t *PionTransport) ICEConnectionState() domain.ConnectionState {
	return domain.ConnectionState(t.pc.ICEConnectionState().String())
}

func (t *PionTransport) ICEGatheringState() domain.GatheringState {
	return domain.GatheringState(t.pc.ICEGatheringState().String())
}

func (t *PionTransport) PendingLocalOffer() bool {
	return t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (t *PionTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Debugw("Peer connection state changed", "connection_state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if t.events.OnConnect != nil && !t.isDestroyed() {
			t.events.OnConnect()
		}
	case webrtc.PeerConnectionStateFailed:
		t.emitError(errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateClosed:
		if !t.isDestroyed() {
			t.notifyClose()
		}
	}
}

// handleRemoteTrack reports the stream and drains its RTP and RTCP.
func (t *PionTransport) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
	}
	stream := domain.RemoteStream{
		ID:      track.StreamID(),
		TrackID: track.ID(),
		Kind:    kind,
		Codec:   track.Codec().MimeType,
	}
	t.logger.Infow("Remote track started",
		"track_id", stream.TrackID,
		"kind", kind,
		"codec", stream.Codec,
	)
	if t.events.OnStream != nil {
		t.events.OnStream(stream)
	}

	go t.readRTCP(func() ([]rtcp.Packet, error) {
		packets, _, err := receiver.ReadRTCP()
		return packets, err
	})
	t.readRTP(track, kind)
}

func (t *PionTransport) readRTP(track *webrtc.TrackRemote, kind domain.TrackKind) {
	buf := make([]byte, rtpMTU)
	pkt := &rtp.Packet{}
	var gaps seqGaps
	var packets, bytes int
	defer func() {
		if packets > 0 {
			t.metrics.RTPReceived(kind, packets, bytes)
		}
		t.logger.Debugw("Remote track ended",
			"track_id", track.ID(),
			"lost_packets", gaps.lost,
		)
	}()

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Debugw("Dropping malformed RTP packet", "track_id", track.ID(), "error", err)
			continue
		}
		gaps.observe(pkt.SequenceNumber)
		packets++
		bytes += n
		if packets >= rtpReportEvery {
			t.metrics.RTPReceived(kind, packets, bytes)
			packets, bytes = 0, 0
		}
	}
}

// seqGaps estimates loss from forward jumps in RTP sequence numbers.
// Reordered or duplicate packets are ignored.
type seqGaps struct {
	started bool
	last    uint16
	lost    int
}

func (g *seqGaps) observe(seq uint16) {
	if !g.started {
		g.started, g.last = true, seq
		return
	}
	delta := seq - g.last
	if delta == 0 || delta >= 1<<15 {
		return
	}
	g.lost += int(delta) - 1
	g.last = seq
}

func (t *PionTransport) readRTCP(read func() ([]rtcp.Packet, error)) {
	for {
		packets, err := read()
		if err != nil {
			return
		}
		for _, p := range packets {
			t.metrics.RTCPReceived(rtcpKind(p))
			if rr, ok := p.(*rtcp.ReceiverReport); ok {
				for _, report := range rr.Reports {
					t.logger.Debugw("Receiver report",
						"ssrc", report.SSRC,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func rtcpKind(p rtcp.Packet) string {
	switch p.(type) {
	case *rtcp.SenderReport:
		return "sender_report"
	case *rtcp.ReceiverReport:
		return "receiver_report"
	case *rtcp.PictureLossIndication:
		return "pli"
	case *rtcp.TransportLayerNack:
		return "nack"
	case *rtcp.ReceiverEstimatedMaximumBitrate:
		return "remb"
	case *rtcp.SourceDescription:
		return "sdes"
	case *rtcp.Goodbye:
		return "bye"
	default:
		return "other"
	}
}
