package contact

// Snapshot captures the state of the user's Instagram graph as of the last
// export analysis, together with the classification lists maintained by the
// user. Invariants: Unfollowers is a subset of Following, and a username in
// NormalUnfollowers or DoNotFollowList never simultaneously appears in
// Unfollowers.
type Snapshot struct {
	Following         []string `json:"following"`
	Followers         []string `json:"followers"`
	Unfollowers       []string `json:"unfollowers"`
	PendingRequests   []string `json:"pendingRequests"`
	NormalUnfollowers []string `json:"normalUnfollowers"`
	DoNotFollowList   []string `json:"doNotFollowList"`
	LastUpdate        string   `json:"lastUpdate"`
}
