package peerset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

type fakeFirewall struct {
	rebuilds [][]string
	fail     bool
}

func (f *fakeFirewall) UpdateIptablesRules(_ context.Context, ips []string) error {
	if f.fail {
		return assertError("boom")
	}
	cp := append([]string(nil), ips...)
	f.rebuilds = append(f.rebuilds, cp)
	return nil
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestRegisterDuplicateIsProgrammerError(t *testing.T) {
	m := NewManager(&fakeFirewall{})
	require.NoError(t, m.Register("prod"))

	err := m.Register("prod")
	var progErr *nbmaerrors.ProgrammerError
	assert.ErrorAs(t, err, &progErr)
}

func TestUpdateUnknownClusterIsProgrammerError(t *testing.T) {
	m := NewManager(&fakeFirewall{})
	err := m.Update(context.Background(), "prod", []string{"10.0.0.1"})
	var progErr *nbmaerrors.ProgrammerError
	assert.ErrorAs(t, err, &progErr)
}

// TestUpdateIdempotence verifies Update(name, L) followed by
// Update(name, L) rebuilds the firewall exactly once.
func TestUpdateIdempotence(t *testing.T) {
	fw := &fakeFirewall{}
	m := NewManager(fw)
	require.NoError(t, m.Register("prod"))

	require.NoError(t, m.Update(context.Background(), "prod", []string{"10.0.0.2", "10.0.0.1"}))
	require.NoError(t, m.Update(context.Background(), "prod", []string{"10.0.0.1", "10.0.0.2"})) // same set, different order

	assert.Len(t, fw.rebuilds, 1)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, fw.rebuilds[0])
}

// TestUpdateMergesAcrossClusters verifies the firewall is always rebuilt
// from the union of every registered cluster's current list, not just the
// most recently updated one.
func TestUpdateMergesAcrossClusters(t *testing.T) {
	fw := &fakeFirewall{}
	m := NewManager(fw)
	require.NoError(t, m.Register("prod"))
	require.NoError(t, m.Register("staging"))

	require.NoError(t, m.Update(context.Background(), "prod", []string{"10.0.0.1"}))
	require.NoError(t, m.Update(context.Background(), "staging", []string{"10.0.0.2"}))

	require.Len(t, fw.rebuilds, 2)
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, fw.rebuilds[1])
}

func TestUpdatePropagatesFirewallError(t *testing.T) {
	fw := &fakeFirewall{fail: true}
	m := NewManager(fw)
	require.NoError(t, m.Register("prod"))

	err := m.Update(context.Background(), "prod", []string{"10.0.0.1"})
	assert.Error(t, err)
}
