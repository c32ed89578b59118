package models

// Session holds the session-wide flags the presentation layer watches.
type Session struct {
	Authenticated bool   `json:"authenticated"`
	Theme         string `json:"theme"`
	Connection    string `json:"connection"`
}
