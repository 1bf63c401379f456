package brewdream

// StreamInfo is what the stream API returns for a newly created stream.
type StreamInfo struct {
	ID               string `json:"id"`
	OutputPlaybackID string `json:"output_playback_id"`
	WHIPURL          string `json:"whip_url"`
}

// StreamSession identifies one live publish. At most one exists per pipeline.
type StreamSession struct {
	ID          string `json:"session_id"`
	StreamID    string `json:"stream_id"`
	PlaybackID  string `json:"playback_id"`
	WHIPURL     string `json:"whip_url"`
	PlaybackURL string `json:"playback_url"`
}

func (s StreamSession) Valid() bool {
	return s.StreamID != "" && s.WHIPURL != ""
}
