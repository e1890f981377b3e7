package session

// AuthState is what the auth provider publishes.
type AuthState struct {
	Token           string `json:"token,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	Loading         bool   `json:"loading"`
}

// Ready reports whether a connection may be opened with this state.
func (a AuthState) Ready() bool {
	return !a.Loading && a.Token != ""
}
