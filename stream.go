package brewdream

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaStream is the single outgoing stream: one video track and at most one
// audio track. It is mutated in place so the peer connection never needs to
// renegotiate.
type MediaStream struct {
	mu    sync.RWMutex
	video webrtc.TrackLocal
	audio webrtc.TrackLocal
}

func NewMediaStream(video webrtc.TrackLocal) *MediaStream {
	return &MediaStream{video: video}
}

func (s *MediaStream) VideoTrack() webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.video
}

func (s *MediaStream) AudioTrack() webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.audio
}

func (s *MediaStream) AudioTracks() []webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.audio == nil {
		return nil
	}

	return []webrtc.TrackLocal{s.audio}
}

func (s *MediaStream) Tracks() []webrtc.TrackLocal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracks := make([]webrtc.TrackLocal, 0, 2)
	if s.video != nil {
		tracks = append(tracks, s.video)
	}

	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}

	return tracks
}

// swapAudio replaces the audio slot and returns the previous track.
func (s *MediaStream) swapAudio(track webrtc.TrackLocal) webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.audio
	s.audio = track

	return prev
}
