package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Participant is a joined user. UID 0 means the user is anonymous;
// GUID is the stable per-device identifier and is what managers see
// as "clientId". A participant is immutable once attached to a session.
type Participant struct {
	UID      uint64 `json:"uId"`
	GUID     string `json:"guid"`
	Language string `json:"language,omitempty"`
	Site     string `json:"site,omitempty"`
}

// Anonymous reports whether the participant joined without an account.
func (p Participant) Anonymous() bool {
	return p.UID == 0
}

// Flag is a boolean that also accepts the site backend's legacy
// encodings: the Drupal services emit "0"/"1" strings (and sometimes
// bare numbers) for boolean experiment attributes.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "true", "1", `"1"`, `"true"`:
		*f = true
	case "false", "0", `"0"`, `"false"`, "null", `""`:
		*f = false
	default:
		return fmt.Errorf("invalid flag value %s", data)
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}
