package tests

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScenario(t *testing.T, s *Scenario) *ScenarioRunner {
	t.Helper()
	ctx := context.Background()

	r := NewScenarioRunner(s, t.TempDir())
	require.NoError(t, r.Setup(ctx))
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	require.NoError(t, r.Run(ctx))
	r.CheckAssertions(ctx)
	return r
}

func TestScenarioFiles(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("scenarios", "*.json"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		path := path
		t.Run(strings.TrimSuffix(filepath.Base(path), ".json"), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			r := runScenario(t, s)
			var report bytes.Buffer
			r.PrintReport(&report)
			for _, result := range r.assertionResults {
				assert.True(t, result.Passed, "%s: %s", result.Assertion.Type, result.Message)
			}
			for _, entry := range r.EventLog() {
				assert.NotEqual(t, "error", entry.EventType, entry.Message)
			}
			if t.Failed() {
				t.Log(report.String())
			}
		})
	}
}

func TestScenarioValidate(t *testing.T) {
	s := &Scenario{
		Name: "broken",
		Peers: []PeerConfig{
			{ID: "a", Address: "05:04:03:02:01:10"},
			{ID: "a", Address: "not-a-mac"},
			{ID: "c", Address: "05:04:03:02:01:10"},
		},
		Timeline: []TimelineEvent{
			{TimeMs: 0, Action: ActionConnect, Target: "ghost"},
			{TimeMs: 10},
		},
		Assertions: []Assertion{{Type: AssertionConnected, Target: "nobody"}},
	}

	errs := s.Validate()
	assert.Len(t, errs, 6)

	r := NewScenarioRunner(s, t.TempDir())
	assert.ErrorContains(t, r.Setup(context.Background()), "validation failed")
}

func TestScenarioSaveAndLoad(t *testing.T) {
	s, err := LoadScenario(filepath.Join("scenarios", "update_reset.json"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "copy.json")
	require.NoError(t, s.Save(path))
	again, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, s, again)
	assert.Equal(t, "400ms", again.Duration().String())
	assert.Len(t, again.GetEventsInRange(100, 300), 3)
	assert.NotNil(t, again.GetPeerByID("updater"))
	assert.Nil(t, again.GetPeerByID("nobody"))
}

func TestFailedStepsAreReported(t *testing.T) {
	s := &Scenario{
		Name:  "failures",
		Peers: []PeerConfig{{ID: "far", Address: "05:04:03:02:01:40"}},
		Timeline: []TimelineEvent{
			{TimeMs: 0, Action: ActionConnect, Target: "far", Comment: "not scanned yet"},
			{TimeMs: 10, Action: ActionRead},
			{TimeMs: 20, Action: "teleport"},
		},
		Assertions: []Assertion{
			{Type: AssertionLinkCount, Data: map[string]interface{}{"count": float64(1)}},
			{Type: AssertionDisconnected, Target: "far"},
		},
	}

	r := runScenario(t, s)
	var errs []string
	for _, entry := range r.EventLog() {
		if entry.EventType == "error" {
			errs = append(errs, entry.Message)
		}
	}
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "not in the scan results")
	assert.Contains(t, errs[1], "no connection selected")
	assert.Contains(t, errs[2], "unknown action")

	assert.False(t, r.Passed())
	assert.False(t, r.assertionResults[0].Passed)
	assert.True(t, r.assertionResults[1].Passed)

	var report bytes.Buffer
	r.PrintReport(&report)
	assert.Contains(t, report.String(), "Total: 1/2 assertions passed")
}

func TestJournalAndTraceWritten(t *testing.T) {
	s, err := LoadScenario(filepath.Join("scenarios", "central_discovery.json"))
	require.NoError(t, err)

	r := runScenario(t, s)
	data, err := os.ReadFile(r.JournalPath())
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), `"event":"link_established"`))

	trace, err := os.ReadFile(filepath.Join(r.dir, "att_packets.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(trace), "\n"), "read and write, each with a response")
}
