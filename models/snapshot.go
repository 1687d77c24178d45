package models

// Snapshot is the resolved "what's playing" view for one user. A nil
// *Snapshot means nothing was ever known for that user.
type Snapshot struct {
	Track      Track `json:"track"`
	IsPlaying  bool  `json:"isPlaying"`
	IsFallback bool  `json:"isFallback"`
	ProgressMs int64 `json:"progressMs,omitempty"`
}

// StatusLabel is the caption shown under the track on the widget.
func (s *Snapshot) StatusLabel() string {
	switch {
	case s.IsFallback:
		return "Recently Played"
	case s.IsPlaying:
		return "Currently Playing"
	default:
		return "Paused"
	}
}

// StatusColor is the accent color matching StatusLabel.
func (s *Snapshot) StatusColor() string {
	if s.IsFallback {
		return "#A7A7A7"
	}
	return "#1DB954"
}
