// Package rtc adapts a pion PeerConnection to the client's
// NegotiationEngine boundary. Offer/answer payloads are raw SDP text,
// candidate payloads are the JSON form of an ICE candidate; the broker
// relays all of them without looking inside.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/castlink/castlink/pkg/client"
)

type Engine struct {
	pc    *webrtc.PeerConnection
	onICE func(payload string)
}

var _ client.NegotiationEngine = (*Engine)(nil)

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

func NewEngine(cfg webrtc.Configuration) (*Engine, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	e := &Engine{pc: pc}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || e.onICE == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("marshal candidate")
			return
		}
		e.onICE(string(b))
	})

	return e, nil
}

// PeerConnection exposes the underlying connection so callers can
// attach tracks before negotiating.
func (e *Engine) PeerConnection() *webrtc.PeerConnection { return e.pc }

func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-webrtc.GatheringCompletePromise(e.pc):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *Engine) AcceptOffer(payload string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	<-gatherComplete

	return e.pc.LocalDescription().SDP, nil
}

func (e *Engine) AcceptAnswer(payload string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (e *Engine) AddCandidate(payload string) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return e.pc.AddICECandidate(ci)
}

func (e *Engine) OnCandidate(fn func(payload string)) { e.onICE = fn }

// OnTrack sets the callback for incoming remote media tracks.
func (e *Engine) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	e.pc.OnTrack(fn)
}

func (e *Engine) Close() {
	if err := e.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	}
}
