package kernel

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"github.com/ganeti/nbmad/pkg/nbma/constants"
	"github.com/ganeti/nbmad/pkg/nbma/nbmaerrors"
)

// ipTablesClient is the subset of *iptables.IPTables the trust-chain swap
// needs, narrowed to an interface so tests can substitute a recording fake
// instead of touching a real netfilter table.
type ipTablesClient interface {
	List(table, chain string) ([]string, error)
	NewChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
}

var _ ipTablesClient = (*iptables.IPTables)(nil)

// Firewall implements the trust-chain swap, built on coreos/go-iptables
// instead of hand-rolled netfilter bindings.
//
// The pre-existing GNT_TRUST chain in the filter table is expected to
// contain only "-j <chain>" jump rules. Update swaps in a freshly
// populated chain and tears down every chain it replaces, in an order
// that guarantees a packet is always matched by either the old chain
// alone, the new-then-old, or the new chain alone -- never neither.
type Firewall struct {
	ipt          ipTablesClient
	table        string
	trustChain   string
	jumpTarget   string
	chainNameLen int
}

// NewFirewall builds a Firewall bound to ipt, using the chain names and
// length cap spec'd in constants.
func NewFirewall(ipt *iptables.IPTables) *Firewall {
	return &Firewall{
		ipt:          ipt,
		table:        constants.TrustTable,
		trustChain:   constants.TrustChain,
		jumpTarget:   constants.TrustJumpTarget,
		chainNameLen: constants.TrustChainMaxLen,
	}
}

// jumpRule is one "-j <chain>" rule found in the trust chain.
type jumpRule struct {
	chain string
}

// checkTrustChain verifies the trust chain exists and contains only
// well-formed jump rules, returning them in chain order.
func (f *Firewall) checkTrustChain() ([]jumpRule, error) {
	rules, err := f.ipt.List(f.table, f.trustChain)
	if err != nil {
		return nil, nbmaerrors.NewConfigurationError("chain %s not present: %v", f.trustChain, err)
	}

	var jumps []jumpRule
	for _, rule := range rules {
		fields := strings.Fields(rule)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "-N" {
			// Chain declaration header, not a rule.
			continue
		}
		if len(fields) != 4 || fields[0] != "-A" || fields[2] != "-j" {
			return nil, nbmaerrors.NewConfigurationError("in %s non-well-formed rule: %q", f.trustChain, rule)
		}
		jumps = append(jumps, jumpRule{chain: fields[3]})
	}
	return jumps, nil
}

func genRandomSuffix(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// UpdateIptablesRules replaces the set of IPs trusted by GNT_TRUST with
// ipAddresses: build a new chain, populate it, splice it in ahead of the
// old chains, then tear down the old chains, so no observable instant
// lacks a jump to a populated trust chain.
func (f *Firewall) UpdateIptablesRules(_ context.Context, ipAddresses []string) error {
	oldJumps, err := f.checkTrustChain()
	if err != nil {
		return err
	}

	prefix := f.trustChain + "_IPS_"
	suffixLen := f.chainNameLen - len(prefix)
	if suffixLen <= 0 {
		return nbmaerrors.NewProgrammerError("chain name length %d too small for prefix %q", f.chainNameLen, prefix)
	}
	suffix, err := genRandomSuffix(suffixLen)
	if err != nil {
		return nbmaerrors.NewCommandError(err, "generating chain name suffix")
	}
	newChain := prefix + suffix

	if err := f.ipt.NewChain(f.table, newChain); err != nil {
		return nbmaerrors.NewCommandError(err, "creating new ips chain %s", newChain)
	}

	if err := f.populateAndLink(newChain, ipAddresses); err != nil {
		_ = f.ipt.ClearChain(f.table, newChain)
		_ = f.ipt.DeleteChain(f.table, newChain)
		return err
	}

	for _, j := range oldJumps {
		if err := f.ipt.Delete(f.table, f.trustChain, "-j", j.chain); err != nil {
			return nbmaerrors.NewCommandError(err, "removing old jump to %s", j.chain)
		}
		if err := f.ipt.ClearChain(f.table, j.chain); err != nil {
			return nbmaerrors.NewCommandError(err, "flushing old chain %s", j.chain)
		}
		if err := f.ipt.DeleteChain(f.table, j.chain); err != nil {
			return nbmaerrors.NewCommandError(err, "deleting old chain %s", j.chain)
		}
	}
	return nil
}

func (f *Firewall) populateAndLink(newChain string, ipAddresses []string) error {
	for _, addr := range ipAddresses {
		if err := f.ipt.AppendUnique(f.table, newChain, "-s", addr, "-j", f.jumpTarget); err != nil {
			return nbmaerrors.NewCommandError(err, "populating chain %s", newChain)
		}
	}
	if err := f.ipt.Insert(f.table, f.trustChain, 1, "-j", newChain); err != nil {
		return nbmaerrors.NewCommandError(err, "linking new chain %s into %s", newChain, f.trustChain)
	}
	return nil
}
