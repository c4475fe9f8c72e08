package pjsua

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// [1] CONFIRMED for sip:2000@pbx [ACTIVE]
	// [2] INCOMING from sip:1001@pbx to sip:1002@pbx [NONE]
	callLineRe = regexp.MustCompile(`\[\s*(\d+)\]\s+(\w+)\s+(for|from)\s+(\S+)(?:\s+to\s+(\S+))?(?:\s+\[(\w+)\])?`)

	// [0] sip:1001@pbx [ONLINE] status=200 expires=300
	accountLineRe = regexp.MustCompile(`\[\s*(\d+)\]\s+(\S+)\s+\[(\w+)\]`)
	expiresRe     = regexp.MustCompile(`expires=(-?\d+)`)
	statusRe      = regexp.MustCompile(`status=(\d+)`)

	// Port #02[sip:2000@pbx] PCMU tx:1.0 rx:1.0 transmitting to: 3, 4
	confPortRe = regexp.MustCompile(`Port\s+#(\d+)\[([^\]]+)\]\s+(\S+)\s+tx:([0-9.]+)\s+rx:([0-9.]+)`)

	accountAddedRe = regexp.MustCompile(`Account (\d+) added`)
	callIDRes      = []*regexp.Regexp{
		regexp.MustCompile(`[Cc]all (\d+)`),
		regexp.MustCompile(`\[(\d+)\]`),
		regexp.MustCompile(`id=(\d+)`),
	}
)

// Account states printed by "acc show"
const (
	accountOnline      = "ONLINE"
	accountOffline     = "OFFLINE"
	accountRegistering = "REGISTERING"
)

// Media states printed by "call list"
const (
	mediaActive = "ACTIVE"
	mediaNone   = "NONE"
)

// callEntry is one line of "call list"
type callEntry struct {
	ID        int
	State     string
	Incoming  bool
	RemoteURI string
	LocalURI  string
	Media     string
}

// accountEntry is one line of "acc show"
type accountEntry struct {
	ID      int
	URI     string
	State   string
	Status  int
	Expires int
}

// confPort is one line of "audio conf list"
type confPort struct {
	ID          int
	Name        string
	Format      string
	Connections []int
}

func parseCalls(output string) []callEntry {
	var calls []callEntry
	for _, line := range strings.Split(output, "\n") {
		m := callLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		c := callEntry{
			ID:        id,
			State:     m[2],
			Incoming:  m[3] == "from",
			RemoteURI: m[4],
			LocalURI:  m[5],
			Media:     m[6],
		}
		if c.Media == "" {
			c.Media = mediaNone
		}
		calls = append(calls, c)
	}
	return calls
}

func parseAccounts(output string) []accountEntry {
	var accounts []accountEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		m := accountLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		acc := accountEntry{ID: id, URI: m[2], State: m[3]}

		// older pjsua builds print only the state, derive the rest from it
		switch acc.State {
		case accountOnline:
			acc.Status, acc.Expires = 200, 300
		case accountOffline:
			acc.Expires = -1
		}
		if s := statusRe.FindStringSubmatch(line); s != nil {
			acc.Status, _ = strconv.Atoi(s[1])
		}
		if e := expiresRe.FindStringSubmatch(line); e != nil {
			acc.Expires, _ = strconv.Atoi(e[1])
		}
		accounts = append(accounts, acc)
	}
	return accounts
}

func parseConfPorts(output string) []confPort {
	var ports []confPort
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		m := confPortRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		port := confPort{ID: id, Name: m[2], Format: m[3]}

		if parts := strings.SplitN(line, "transmitting to:", 2); len(parts) == 2 {
			for _, s := range strings.Split(parts[1], ",") {
				if dst, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
					port.Connections = append(port.Connections, dst)
				}
			}
		}
		ports = append(ports, port)
	}
	return ports
}

func parseAccountID(output string) (int, error) {
	if m := accountAddedRe.FindStringSubmatch(output); m != nil {
		return strconv.Atoi(m[1])
	}
	return -1, fmt.Errorf("failed to parse account id from %q", output)
}

func parseCallID(output string) (int, error) {
	for _, re := range callIDRes {
		if m := re.FindStringSubmatch(output); m != nil {
			return strconv.Atoi(m[1])
		}
	}
	return -1, fmt.Errorf("failed to parse call id from %q", output)
}

// sameUser compares the user parts of two SIP URIs
func sameUser(a, b string) bool {
	return a != "" && userOf(a) == userOf(b)
}

func userOf(uri string) string {
	uri = strings.Trim(uri, "<>")
	if i := strings.Index(uri, ":"); i >= 0 {
		uri = uri[i+1:]
	}
	if i := strings.IndexAny(uri, "@;>"); i >= 0 {
		uri = uri[:i]
	}
	return uri
}
