package models

// SessionState is the projection of the auth cookies the recorder works with.
type SessionState struct {
	IsLoggedIn         bool   `json:"isLoggedIn"`
	UserID             string `json:"userId"`
	UserName           string `json:"userName"`
	UserProfilePicture string `json:"userProfilePicture"`
}

// LoggedOut is the zero session.
var LoggedOut = SessionState{}

// CanUpload reports whether recordings may be sent for this session.
func (s SessionState) CanUpload() bool {
	return s.IsLoggedIn && s.UserID != ""
}

// RecordingStatus mirrors the recorder state for display. Not authoritative.
type RecordingStatus struct {
	IsRecording bool   `json:"isRecording"`
	RecordingID string `json:"recordingId,omitempty"`
}
