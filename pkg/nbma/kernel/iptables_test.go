package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

// fakeIPTables is a recording, in-memory stand-in for *iptables.IPTables,
// letting the trust-chain swap be tested without a real netfilter table.
type fakeIPTables struct {
	chains map[string][]string // chain -> ordered rulespec strings (sans "-A <chain> ")

	failNewChain     string
	failAppendUnique string
	failInsert       bool
}

func newFakeIPTables(trustChain string, jumps ...string) *fakeIPTables {
	f := &fakeIPTables{chains: map[string][]string{trustChain: nil}}
	for _, j := range jumps {
		f.chains[trustChain] = append(f.chains[trustChain], "-j "+j)
		if _, ok := f.chains[j]; !ok {
			f.chains[j] = nil
		}
	}
	return f
}

func (f *fakeIPTables) List(_, chain string) ([]string, error) {
	rules, ok := f.chains[chain]
	if !ok {
		return nil, assertError("no such chain")
	}
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, "-A "+chain+" "+r)
	}
	return out, nil
}

func (f *fakeIPTables) NewChain(_, chain string) error {
	if chain == f.failNewChain {
		return assertError("boom")
	}
	if _, ok := f.chains[chain]; ok {
		return assertError("chain already exists")
	}
	f.chains[chain] = nil
	return nil
}

func (f *fakeIPTables) AppendUnique(_, chain string, rulespec ...string) error {
	if chain == f.failAppendUnique {
		return assertError("boom")
	}
	rule := joinSpec(rulespec)
	for _, r := range f.chains[chain] {
		if r == rule {
			return nil
		}
	}
	f.chains[chain] = append(f.chains[chain], rule)
	return nil
}

func (f *fakeIPTables) Insert(_, chain string, pos int, rulespec ...string) error {
	if f.failInsert {
		return assertError("boom")
	}
	rule := joinSpec(rulespec)
	rules := f.chains[chain]
	idx := pos - 1
	rules = append(rules, "")
	copy(rules[idx+1:], rules[idx:])
	rules[idx] = rule
	f.chains[chain] = rules
	return nil
}

func (f *fakeIPTables) Delete(_, chain string, rulespec ...string) error {
	rule := joinSpec(rulespec)
	rules := f.chains[chain]
	for i, r := range rules {
		if r == rule {
			f.chains[chain] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return assertError("rule not found")
}

func (f *fakeIPTables) ClearChain(_, chain string) error {
	if _, ok := f.chains[chain]; !ok {
		return assertError("no such chain")
	}
	f.chains[chain] = nil
	return nil
}

func (f *fakeIPTables) DeleteChain(_, chain string) error {
	if _, ok := f.chains[chain]; !ok {
		return assertError("no such chain")
	}
	delete(f.chains, chain)
	return nil
}

func joinSpec(spec []string) string {
	out := ""
	for i, s := range spec {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

type assertError string

func (e assertError) Error() string { return string(e) }

func newTestFirewall(ipt ipTablesClient) *Firewall {
	return &Firewall{
		ipt:          ipt,
		table:        "filter",
		trustChain:   "GNT_TRUST",
		jumpTarget:   "ACCEPT",
		chainNameLen: 30,
	}
}

func TestUpdateIptablesRulesFreshChain(t *testing.T) {
	ipt := newFakeIPTables("GNT_TRUST")
	fw := newTestFirewall(ipt)

	require.NoError(t, fw.UpdateIptablesRules(context.Background(), []string{"10.0.0.1", "10.0.0.2"}))

	jumps, err := fw.checkTrustChain()
	require.NoError(t, err)
	require.Len(t, jumps, 1)

	newChain := jumps[0].chain
	assert.Contains(t, ipt.chains[newChain], "-s 10.0.0.1 -j ACCEPT")
	assert.Contains(t, ipt.chains[newChain], "-s 10.0.0.2 -j ACCEPT")
}

// TestUpdateIptablesRulesReplacesOldChain verifies that at no observable
// instant does GNT_TRUST lack a jump to an IP chain. Here we assert the
// end state: exactly one new chain, the old one torn
// down.
func TestUpdateIptablesRulesReplacesOldChain(t *testing.T) {
	ipt := newFakeIPTables("GNT_TRUST", "GNT_TRUST_IPS_aaaaaaaaaaaaaaaaaaaaaaaaaa")
	ipt.chains["GNT_TRUST_IPS_aaaaaaaaaaaaaaaaaaaaaaaaaa"] = []string{"-s 10.0.0.9 -j ACCEPT"}
	fw := newTestFirewall(ipt)

	require.NoError(t, fw.UpdateIptablesRules(context.Background(), []string{"10.0.0.5"}))

	_, stillThere := ipt.chains["GNT_TRUST_IPS_aaaaaaaaaaaaaaaaaaaaaaaaaa"]
	assert.False(t, stillThere, "old chain must be torn down")

	jumps, err := fw.checkTrustChain()
	require.NoError(t, err)
	require.Len(t, jumps, 1)
	assert.Contains(t, ipt.chains[jumps[0].chain], "-s 10.0.0.5 -j ACCEPT")
}

func TestUpdateIptablesRulesRollsBackOnPopulateFailure(t *testing.T) {
	ipt := newFakeIPTables("GNT_TRUST")
	ipt.failInsert = true // the new chain's link-in step fails after it was populated
	fw := newTestFirewall(ipt)

	err := fw.UpdateIptablesRules(context.Background(), []string{"10.0.0.1"})
	require.Error(t, err)
	var cmdErr *nbmaerrors.CommandError
	assert.ErrorAs(t, err, &cmdErr)

	// Exactly the original GNT_TRUST chain should remain; the half-built
	// ips chain must have been cleared and deleted.
	assert.Len(t, ipt.chains, 1)
	assert.Contains(t, ipt.chains, "GNT_TRUST")
}

func TestCheckTrustChainRejectsNonJumpRules(t *testing.T) {
	ipt := newFakeIPTables("GNT_TRUST")
	ipt.chains["GNT_TRUST"] = []string{"-s 10.0.0.1 -j ACCEPT"} // not a bare jump rule
	fw := newTestFirewall(ipt)

	_, err := fw.checkTrustChain()
	assert.Error(t, err)
}
