package pjsua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCalls(t *testing.T) {
	out := `
Current calls:
[0] CONFIRMED for sip:2000@pbx.local [ACTIVE]
[ 1] INCOMING from sip:1001@pbx.local to sip:1002@pbx.local
garbage line
[2] CALLING for sip:3000@pbx.local [NONE]
`
	calls := parseCalls(out)
	require.Len(t, calls, 3)

	assert.Equal(t, callEntry{ID: 0, State: "CONFIRMED", RemoteURI: "sip:2000@pbx.local", Media: mediaActive}, calls[0])
	assert.Equal(t, callEntry{
		ID:        1,
		State:     "INCOMING",
		Incoming:  true,
		RemoteURI: "sip:1001@pbx.local",
		LocalURI:  "sip:1002@pbx.local",
		Media:     mediaNone,
	}, calls[1])
	assert.Equal(t, "CALLING", calls[2].State)
	assert.False(t, calls[2].Incoming)
}

func TestParseAccounts(t *testing.T) {
	out := `
[0] sip:1001@pbx.local [ONLINE] status=200 expires=300
[1] sip:1002@pbx.local [OFFLINE]
[2] sip:1003@pbx.local [REGISTERING] status=401 expires=0
[3] sip:1004@pbx.local [ONLINE]
`
	accs := parseAccounts(out)
	require.Len(t, accs, 4)

	assert.Equal(t, accountEntry{ID: 0, URI: "sip:1001@pbx.local", State: accountOnline, Status: 200, Expires: 300}, accs[0])
	assert.Equal(t, -1, accs[1].Expires)
	assert.Equal(t, 0, accs[1].Status)
	assert.Equal(t, 401, accs[2].Status)
	assert.Equal(t, 0, accs[2].Expires)
	assert.Equal(t, 200, accs[3].Status)
	assert.Equal(t, 300, accs[3].Expires)
}

func TestParseConfPorts(t *testing.T) {
	out := `
Conference ports:
Port #00[Master/sound] L16 tx:1.0 rx:1.0 transmitting to: none
Port #01[/tmp/prompt.wav] L16 tx:1.0 rx:1.0 transmitting to: 2, 3
Port #02[sip:2000@pbx.local] PCMU tx:1.0 rx:1.0 transmitting to: 0
`
	ports := parseConfPorts(out)
	require.Len(t, ports, 3)

	assert.Equal(t, "Master/sound", ports[0].Name)
	assert.Empty(t, ports[0].Connections)
	assert.Equal(t, []int{2, 3}, ports[1].Connections)
	assert.Equal(t, "PCMU", ports[2].Format)
	assert.Equal(t, 2, ports[2].ID)
}

func TestParseIDs(t *testing.T) {
	id, err := parseAccountID("Account 4 added")
	require.NoError(t, err)
	assert.Equal(t, 4, id)

	_, err = parseAccountID("Error: invalid URI")
	assert.Error(t, err)

	id, err = parseCallID("Making call to sip:2000@pbx\nCall 3 state changed to CALLING")
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	id, err = parseCallID("id=7")
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	_, err = parseCallID("no calls")
	assert.Error(t, err)
}

func TestSameUser(t *testing.T) {
	assert.True(t, sameUser("sip:1001@pbx", "<sip:1001@other;transport=tcp>"))
	assert.True(t, sameUser("sip:1001@pbx", "sip:1001;tag=x"))
	assert.False(t, sameUser("sip:1001@pbx", "sip:1002@pbx"))
	assert.False(t, sameUser("", "sip:1002@pbx"))
}

func TestBuildArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPort = 5070
	cfg.PlayFiles = []string{"/tmp/a.wav"}

	args := buildArgs(cfg)
	assert.Subset(t, args, []string{"--null-audio", "--use-cli", "--no-cli-console"})
	assert.Contains(t, args, "/tmp/pjsip.log")
	assert.Contains(t, args, "5070")
	assert.Contains(t, args, "/tmp/a.wav")

	i := indexOf(args, "--log-level")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "6", args[i+1])
}

func indexOf(args []string, s string) int {
	for i, a := range args {
		if a == s {
			return i
		}
	}
	return -1
}

func TestFormatCommand(t *testing.T) {
	assert.Equal(t, "call list", formatCommand(cmdCallList))
	assert.Equal(t, "call answer 486 2", formatCommand(cmdAnswer, 486, 2))
	assert.Equal(t, "call dtmf 12# 0", formatCommand(cmdDTMF, "12#", 0))
}
