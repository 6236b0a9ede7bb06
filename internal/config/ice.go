package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "FILECAST_ICE_SERVERS_JSON"
	envSTUNURLs       = "FILECAST_STUN_URLS"
	envTURNURLs       = "FILECAST_TURN_URLS"
	envTURNUsername   = "FILECAST_TURN_USERNAME"
	envTURNCredential = "FILECAST_TURN_CREDENTIAL"
)

// DefaultSTUNURLs is used when no ICE servers are configured at all.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DefaultICEServers returns a fresh copy of the public STUN fallback.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
}

// ICESettings is the ICE configuration as the operator wrote it. URL lists
// are comma separated.
type ICESettings struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// Servers validates the settings and returns the list peers are given. A JSON
// list replaces the individual URL settings entirely.
func (s ICESettings) Servers() ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(s.JSON) != "" {
		servers, err := ParseICEServersJSON(s.JSON)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitList(s.STUNURLs); len(urls) > 0 {
		stunServer := webrtc.ICEServer{URLs: urls}
		for _, raw := range urls {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %q: %w", envSTUNURLs, raw, err)
			}
			if isTURN(uri.Scheme) {
				return nil, fmt.Errorf("%s: %q is a TURN url; use %s", envSTUNURLs, raw, envTURNURLs)
			}
		}
		servers = append(servers, stunServer)
	}

	if urls := splitList(s.TURNURLs); len(urls) > 0 {
		turnServer := webrtc.ICEServer{
			URLs:       urls,
			Username:   strings.TrimSpace(s.TURNUsername),
			Credential: strings.TrimSpace(s.TURNCredential),
		}
		if !HasTURNCredentials(turnServer) {
			return nil, fmt.Errorf("%s and %s are required with %s", envTURNUsername, envTURNCredential, envTURNURLs)
		}
		if err := checkICEServer(turnServer); err != nil {
			return nil, fmt.Errorf("%s: %w", envTURNURLs, err)
		}
		servers = append(servers, turnServer)
	}
	return servers, nil
}

// iceServerEntry mirrors the browser RTCIceServer dictionary, where "urls"
// may be a single string or a list.
type iceServerEntry struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func (e iceServerEntry) urlList() ([]string, error) {
	if len(e.URLs) == 0 {
		return nil, errors.New("missing urls")
	}
	var one string
	if err := json.Unmarshal(e.URLs, &one); err == nil {
		return splitList(one), nil
	}
	var many []string
	if err := json.Unmarshal(e.URLs, &many); err != nil {
		return nil, errors.New(`"urls" must be a string or a list of strings`)
	}
	out := make([]string, 0, len(many))
	for _, u := range many {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

// ParseICEServersJSON parses a JSON list of RTCIceServer-style entries and
// validates every URL.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		urls, err := e.urlList()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(e.Username)}
		if cred := strings.TrimSpace(e.Credential); cred != "" {
			server.Credential = cred
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// UsableICEServers keeps the entries a PeerConnection can be built with:
// every URL parses and TURN entries carry credentials.
func UsableICEServers(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if checkICEServer(server) == nil {
			out = append(out, server)
		}
	}
	return out
}

// HasTURNCredentials reports whether server has a non-empty username and
// string credential.
func HasTURNCredentials(server webrtc.ICEServer) bool {
	if strings.TrimSpace(server.Username) == "" {
		return false
	}
	cred, ok := server.Credential.(string)
	return ok && strings.TrimSpace(cred) != ""
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("%q: %w", raw, err)
		}
		if isTURN(uri.Scheme) && !HasTURNCredentials(server) {
			return fmt.Errorf("%q: turn urls require username and credential", raw)
		}
	}
	return nil
}

func isTURN(scheme stun.SchemeType) bool {
	return scheme == stun.SchemeTypeTURN || scheme == stun.SchemeTypeTURNS
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
