package scenario

import (
	"fmt"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

// symbol is one named, deployed (or labeled) contract known to a run.
type symbol struct {
	address  string
	contract string
	abi      *gethabi.ABI
	// seq orders definitions so a chain revert can prune exactly the
	// symbols whose deployments the revert undid.
	seq uint64
}

// namedSnapshot pairs a chain snapshot id with the symbol sequence at the
// moment it was taken.
type namedSnapshot struct {
	name    string
	chainID string
	seq     uint64
}

// symbolTable tracks user names for contracts and the snapshot bookkeeping
// a run needs to keep them consistent with the chain.
type symbolTable struct {
	entries   map[string]symbol
	snapshots []namedSnapshot
	nextSeq   uint64
}

func newSymbolTable() *symbolTable {
	return &symbolTable{entries: make(map[string]symbol)}
}

func (t *symbolTable) define(name, address, contract string, a *gethabi.ABI) {
	t.nextSeq++
	t.entries[name] = symbol{address: address, contract: contract, abi: a, seq: t.nextSeq}
}

func (t *symbolTable) resolve(name string) (symbol, error) {
	s, ok := t.entries[name]
	if !ok {
		return symbol{}, fmt.Errorf("symbol %q: %w", name, ErrUnknownSymbol)
	}
	return s, nil
}

// recordSnapshot remembers a chain snapshot under a user name.
func (t *symbolTable) recordSnapshot(name, chainID string) {
	t.snapshots = append(t.snapshots, namedSnapshot{name: name, chainID: chainID, seq: t.nextSeq})
}

// takeSnapshot pops the named snapshot (or the most recent when name is
// empty) along with everything recorded after it, mirroring the chain's LIFO
// revert semantics.
func (t *symbolTable) takeSnapshot(name string) (namedSnapshot, bool) {
	idx := len(t.snapshots) - 1
	if name != "" {
		idx = -1
		for i := len(t.snapshots) - 1; i >= 0; i-- {
			if t.snapshots[i].name == name {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return namedSnapshot{}, false
	}
	snap := t.snapshots[idx]
	t.snapshots = t.snapshots[:idx]
	return snap, true
}

// pruneAfter drops symbols defined after the given sequence point. Addresses
// deployed after a snapshot no longer exist once the chain reverts to it.
func (t *symbolTable) pruneAfter(seq uint64) {
	for name, s := range t.entries {
		if s.seq > seq {
			delete(t.entries, name)
		}
	}
}

// clearExcept empties the table apart from an explicit keep list. Used by
// fork, which invalidates every address from the pre-fork chain.
func (t *symbolTable) clearExcept(keep []string) {
	kept := make(map[string]symbol, len(keep))
	for _, name := range keep {
		if s, ok := t.entries[name]; ok {
			kept[name] = s
		}
	}
	t.entries = kept
	t.snapshots = nil
}
