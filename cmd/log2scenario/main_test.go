package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/multirole-blue/tests"
)

const journal = `{"timestamp":1000000000,"event":"link_established","conn":0,"role":"central","addr":"05:04:03:02:01:10","status":"Success"}
{"timestamp":1100000000,"event":"link_established","conn":1,"role":"peripheral","addr":"C0:FF:EE:00:00:01","status":"Success"}
not json
{"timestamp":1200000000,"event":"phy_updated","conn":0,"status":"Success","details":{"rx_phy":"2M"}}
{"timestamp":1300000000,"event":"link_terminated","conn":1,"status":"Connection Timeout"}
{"timestamp":1400000000,"event":"link_established","conn":2,"role":"central","addr":"05:04:03:02:01:11","status":"Memory Capacity Exceeded"}
`

func TestParseJournal(t *testing.T) {
	p := NewJournalParser()
	require.NoError(t, p.Parse(strings.NewReader(journal)))
	assert.Equal(t, 1, p.skipped)

	s := p.Scenario("from journal")
	assert.Empty(t, s.Validate())
	require.Len(t, s.Peers, 2)
	assert.Equal(t, "peer-1", s.Peers[0].ID)

	var actions []string
	for _, ev := range s.Timeline {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []string{"scan", "connect", "accept", "select", "set_phy", "peer_disconnect"}, actions)
	assert.Equal(t, 300, s.Timeline[5].TimeMs)
	assert.Equal(t, float64(0x08), s.Timeline[5].Data["reason"])

	var types []string
	for _, a := range s.Assertions {
		types = append(types, a.Type+":"+a.Target)
	}
	assert.Equal(t, []string{"connected:peer-1", "phy:peer-1", "disconnected:peer-2", "link_count:"}, types)
}

func TestJournalReplays(t *testing.T) {
	ctx := context.Background()
	original, err := tests.LoadScenario(filepath.Join("..", "..", "tests", "scenarios", "central_discovery.json"))
	require.NoError(t, err)

	first := tests.NewScenarioRunner(original, t.TempDir())
	require.NoError(t, first.Setup(ctx))
	require.NoError(t, first.Run(ctx))
	require.NoError(t, first.Close())

	f, err := os.Open(first.JournalPath())
	require.NoError(t, err)
	defer f.Close()

	p := NewJournalParser()
	require.NoError(t, p.Parse(f))
	generated := p.Scenario("replayed")
	require.Len(t, generated.Peers, 2)

	second := tests.NewScenarioRunner(generated, t.TempDir())
	require.NoError(t, second.Setup(ctx))
	defer second.Close()
	require.NoError(t, second.Run(ctx))
	for _, result := range second.CheckAssertions(ctx) {
		assert.True(t, result.Passed, "%s: %s", result.Assertion.Type, result.Message)
	}
}
