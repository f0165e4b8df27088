package phy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/multirole-blue/wire/hci"
)

type setPHYCall struct {
	conn uint16
	mask uint8
	opts hci.PHYOption
}

type fakeCommander struct {
	calls []setPHYCall
	err   error
}

func (f *fakeCommander) SetPHY(conn uint16, allPHYs, txPHYs, rxPHYs uint8, opts hci.PHYOption) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, setPHYCall{conn: conn, mask: rxPHYs, opts: opts})
	return nil
}

func TestBand(t *testing.T) {
	tests := []struct {
		avg  int
		want Target
	}{
		{-20, Target2M},
		{-30, Target2M},
		{-31, Target1M},
		{-40, Target1M},
		{-41, TargetCodedS2},
		{-50, TargetCodedS2},
		{-51, TargetCodedS8},
		{-90, TargetCodedS8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Band(tt.avg), "avg %d", tt.avg)
	}
}

func TestLinkAverageOverCollectedSamples(t *testing.T) {
	var l Link
	assert.Equal(t, -40, l.AddSample(-40))
	assert.Equal(t, -45, l.AddSample(-50))

	for i := 0; i < HistoryDepth; i++ {
		l.AddSample(-60)
	}
	assert.Equal(t, -60, l.Average)
	assert.Len(t, l.Samples(), HistoryDepth)

	l.AddSample(-35)
	assert.Equal(t, []int8{-60, -60, -60, -60, -35}, l.Samples())
	assert.Equal(t, -55, l.Average)
}

func TestCorrelatorFIFO(t *testing.T) {
	c := NewCorrelator(4)
	for _, h := range []uint16{7, 2, 5} {
		require.NoError(t, c.Push(h))
	}

	var got []uint16
	for c.Len() > 0 {
		h, ok := c.Pop()
		require.True(t, ok)
		got = append(got, h)
	}
	assert.Equal(t, []uint16{7, 2, 5}, got)

	_, ok := c.Pop()
	assert.False(t, ok)
}

func TestCorrelatorFull(t *testing.T) {
	c := NewCorrelator(1)
	require.NoError(t, c.Push(1))
	assert.ErrorIs(t, c.Push(2), ErrCorrelatorFull)

	c.DropNewest()
	assert.Equal(t, 0, c.Len())
}

func TestCommandStatusResolvesInIssueOrder(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 8, "test")

	links := map[uint16]*Link{
		3: {Current: hci.PHY1M},
		1: {Current: hci.PHY1M},
		2: {Current: hci.PHY1M},
	}
	for _, h := range []uint16{3, 1, 2} {
		require.NoError(t, p.Manual(h, links[h], Pref2M))
	}
	lookup := func(h uint16) (*Link, bool) {
		l, ok := links[h]
		return l, ok
	}

	var resolved []uint16
	for i := 0; i < 3; i++ {
		h, ok := p.OnCommandStatus(hci.StatusSuccess, lookup)
		require.True(t, ok)
		resolved = append(resolved, h)
	}
	assert.Equal(t, []uint16{3, 1, 2}, resolved)
}

func TestCommandStatusForRemovedLinkIsDiscarded(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 8, "test")
	l := &Link{Current: hci.PHY1M}
	require.NoError(t, p.Manual(4, l, Pref2M))

	h, ok := p.OnCommandStatus(hci.StatusUnsupportedRemoteFeature, func(uint16) (*Link, bool) { return nil, false })
	assert.False(t, ok)
	assert.Equal(t, uint16(4), h)
	assert.Equal(t, 0, p.Correlator().Len())
	assert.Equal(t, 0, l.FailCount)
}

func TestAutoRequestsOncePerBandCrossing(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 8, "test")
	l := &Link{Current: hci.PHY1M, Auto: true}
	lookup := func(uint16) (*Link, bool) { return l, true }

	// very low: S8 requested once, further samples wait for the outcome
	target, ok := p.OnSample(1, l, -80)
	require.True(t, ok)
	assert.Equal(t, TargetCodedS8, target)
	_, ok = p.OnSample(1, l, -80)
	assert.False(t, ok)
	p.OnCommandStatus(hci.StatusSuccess, lookup)
	p.OnUpdateComplete(1, l, hci.StatusSuccess, hci.PHYCoded)
	assert.Equal(t, hci.PHYCoded, l.Current)
	assert.Equal(t, TargetNone, l.Requested)

	assert.Equal(t, hci.PHYOptionS8, l.Coding)

	// still coded, nothing to do
	_, ok = p.OnSample(1, l, -80)
	assert.False(t, ok)

	// low: the same PHY with the other coding
	requested := feed(p, l, -45, HistoryDepth)
	assert.Equal(t, []Target{TargetCodedS2}, requested)
	p.OnCommandStatus(hci.StatusSuccess, lookup)
	p.OnUpdateComplete(1, l, hci.StatusSuccess, hci.PHYCoded)
	assert.Equal(t, hci.PHYOptionS2, l.Coding)
	_, ok = p.OnSample(1, l, -45)
	assert.False(t, ok)

	// high: climb to the 1M band once the average crosses
	requested = feed(p, l, -35, HistoryDepth)
	assert.Equal(t, []Target{Target1M}, requested)
	p.OnCommandStatus(hci.StatusSuccess, lookup)
	p.OnUpdateComplete(1, l, hci.StatusSuccess, hci.PHY1M)
	assert.Equal(t, hci.PHYOptionNone, l.Coding)

	// very high: 2M
	requested = feed(p, l, -20, HistoryDepth)
	assert.Equal(t, []Target{Target2M}, requested)
	p.OnCommandStatus(hci.StatusSuccess, lookup)
	p.OnUpdateComplete(1, l, hci.StatusSuccess, hci.PHY2M)

	require.Len(t, cmd.calls, 4)
	assert.Equal(t, hci.PHYOptionS8, cmd.calls[0].opts)
	assert.Equal(t, hci.MaskPHYCoded, cmd.calls[0].mask)
	assert.Equal(t, hci.PHYOptionS2, cmd.calls[1].opts)
	assert.Equal(t, hci.MaskPHYCoded, cmd.calls[1].mask)
	assert.Equal(t, hci.MaskPHY1M, cmd.calls[2].mask)
	assert.Equal(t, hci.MaskPHY2M, cmd.calls[3].mask)
}

func TestCodedLinkMovesBetweenCodings(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 8, "test")
	l := &Link{Current: hci.PHYCoded, Auto: true}
	lookup := func(uint16) (*Link, bool) { return l, true }

	// coding unknown: the S2 band still asks for S2 explicitly
	target, ok := p.OnSample(1, l, -45)
	require.True(t, ok)
	assert.Equal(t, TargetCodedS2, target)
	p.OnCommandStatus(hci.StatusSuccess, lookup)
	p.OnUpdateComplete(1, l, hci.StatusSuccess, hci.PHYCoded)
	assert.Equal(t, hci.PHYOptionS2, l.Coding)

	requested := feed(p, l, -90, HistoryDepth)
	assert.Equal(t, []Target{TargetCodedS8}, requested)
	assert.Equal(t, hci.PHYOptionS8, cmd.calls[1].opts)
}

func TestUnknownCurrentPHYIsEvaluated(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 8, "test")
	l := &Link{Auto: true}

	target, ok := p.OnSample(1, l, -80)
	require.True(t, ok)
	assert.Equal(t, TargetCodedS8, target)
	assert.True(t, l.InProgress)
}

// feed sends n identical samples and returns every target requested
func feed(p *Policy, l *Link, rssi int8, n int) []Target {
	var requested []Target
	for i := 0; i < n; i++ {
		if target, ok := p.OnSample(1, l, rssi); ok {
			requested = append(requested, target)
		}
	}
	return requested
}

func TestFailGateSuppressesThirdRequest(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 8, "test")
	l := &Link{Current: hci.PHY1M, Auto: true}
	lookup := func(uint16) (*Link, bool) { return l, true }

	for attempt := 1; attempt <= 2; attempt++ {
		target, ok := p.OnSample(9, l, -25)
		require.True(t, ok, "attempt %d", attempt)
		assert.Equal(t, Target2M, target)

		_, resolved := p.OnCommandStatus(hci.StatusUnsupportedRemoteFeature, lookup)
		require.True(t, resolved)
		assert.False(t, l.InProgress)
		assert.Equal(t, attempt, l.FailCount)
	}

	_, ok := p.OnSample(9, l, -25)
	assert.False(t, ok)
	assert.Len(t, cmd.calls, 2)

	// a different target resets the counter
	assert.Equal(t, []Target{TargetCodedS2}, feed(p, l, -45, HistoryDepth))
	assert.Len(t, cmd.calls, 3)
	assert.Equal(t, TargetCodedS2, l.Requested)
	assert.Equal(t, 0, l.FailCount)
}

func TestUpdateCompleteWithOtherPHYCountsFailure(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 8, "test")
	l := &Link{Current: hci.PHY1M}

	require.NoError(t, p.Manual(1, l, Pref2M))
	p.OnUpdateComplete(1, l, hci.StatusSuccess, hci.PHY1M)
	assert.Equal(t, 1, l.FailCount)
	assert.Equal(t, Target2M, l.Requested)
	assert.Equal(t, hci.PHY1M, l.Current)
}

func TestManualPreferenceDisablesAuto(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 8, "test")
	l := &Link{Current: hci.PHY1M, Auto: true}

	require.NoError(t, p.Manual(2, l, PrefCodedS2))
	assert.False(t, l.Auto)
	require.Len(t, cmd.calls, 1)
	assert.Equal(t, hci.PHYOptionS2, cmd.calls[0].opts)

	_, ok := p.OnSample(2, l, -20)
	assert.False(t, ok)

	require.NoError(t, p.Manual(2, l, PrefAuto))
	assert.True(t, l.Auto)
}

func TestIssueFailureRollsBack(t *testing.T) {
	cmd := &fakeCommander{err: errors.New("radio busy")}
	p := NewPolicy(cmd, 8, "test")
	l := &Link{Current: hci.PHY1M, Auto: true}

	_, ok := p.OnSample(1, l, -20)
	assert.False(t, ok)
	assert.False(t, l.InProgress)
	assert.Equal(t, TargetNone, l.Requested)
	assert.Equal(t, 0, p.Correlator().Len())
}

func TestCorrelatorFullSkipsRequest(t *testing.T) {
	cmd := &fakeCommander{}
	p := NewPolicy(cmd, 1, "test")
	a := &Link{Current: hci.PHY1M, Auto: true}
	b := &Link{Current: hci.PHY1M, Auto: true}

	_, ok := p.OnSample(1, a, -20)
	require.True(t, ok)
	_, ok = p.OnSample(2, b, -20)
	assert.False(t, ok)
	assert.False(t, b.InProgress)
	assert.Len(t, cmd.calls, 1)
}

func TestParsePreference(t *testing.T) {
	p, err := ParsePreference(" S8 ")
	require.NoError(t, err)
	assert.Equal(t, PrefCodedS8, p)

	_, err = ParsePreference("4m")
	assert.ErrorIs(t, err, ErrUnknownPreference)
}
