// Package trie decomposes a payout curve over a numeric outcome space into
// the minimal covering set of digit-prefix groups, one per contract execution
// transaction. Construction is a pure deterministic function of
// (curve, base, digit count, oracle count, threshold): both parties build the
// trie independently and must arrive at an identical leaf set.
package trie

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/crypto/blake256"
)

// Evaluator yields the offer party's payout for an outcome. Implementations
// must be pure: the same outcome always maps to the same payout on both
// sides of the contract.
type Evaluator interface {
	Payout(outcome uint64) int64
}

// Node is one arena entry. Internal nodes carry base children; leaves carry
// the payout shared by every outcome under their prefix and the ordinal of
// the prefix group in canonical (DFS, lexicographic prefix) order.
type Node struct {
	Prefix   []int
	Leaf     bool
	Payout   int64
	GroupOrd int
	Children []int32
}

// Leaf is one (outcome group, oracle combination) pair: the unit a CET and
// its single adaptor signature correspond to. Ranges are half-open
// [Start, End). For single-oracle contracts Combination is [0] and leaves
// coincide with prefix groups.
type Leaf struct {
	Prefix      []int
	Start       uint64
	End         uint64
	Payout      int64
	Index       int
	Combination []int
}

// GroupID is the stable identifier adaptor signatures are keyed by.
func (l *Leaf) GroupID() string {
	var sb strings.Builder
	for i, o := range l.Combination {
		if i > 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(strconv.Itoa(o))
	}
	sb.WriteByte('|')
	for i, d := range l.Prefix {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(strconv.Itoa(d))
	}
	return sb.String()
}

// Trie is the completed decomposition. Immutable once built.
type Trie struct {
	Base      int
	NbDigits  int
	Threshold int
	Oracles   int

	nodes  []Node
	root   int32
	groups []Leaf // prefix groups before the oracle cross product
	leaves []Leaf
	combos [][]int
}

// MaxOutcome returns base^nbDigits, erroring when it does not fit an int64
// outcome space.
func MaxOutcome(base, nbDigits int) (uint64, error) {
	out := uint64(1)
	for i := 0; i < nbDigits; i++ {
		next := out * uint64(base)
		if next/uint64(base) != out || next > 1<<62 {
			return 0, fmt.Errorf("outcome space %d^%d overflows", base, nbDigits)
		}
		out = next
	}
	return out, nil
}

// DecomposeOutcome returns the digits of outcome in the given base, most
// significant first, zero padded to nbDigits.
func DecomposeOutcome(outcome uint64, base, nbDigits int) []int {
	digits := make([]int, nbDigits)
	for i := nbDigits - 1; i >= 0; i-- {
		digits[i] = int(outcome % uint64(base))
		outcome /= uint64(base)
	}
	return digits
}

// Build constructs the decomposition. The recursion bisects the outcome range
// digit by digit and stops as soon as the curve evaluates equal at the
// subtree's boundary outcomes: for a monotonic curve that means every outcome
// under the subtree shares the payout. Leaves are numbered in DFS order,
// then crossed with the k-of-n oracle combinations in lexicographic order.
func Build(eval Evaluator, base, nbDigits, oracles, threshold int) (*Trie, error) {
	if eval == nil {
		return nil, fmt.Errorf("nil payout evaluator")
	}
	if base < 2 {
		return nil, fmt.Errorf("base must be >= 2, got %d", base)
	}
	if nbDigits < 1 {
		return nil, fmt.Errorf("nb_digits must be >= 1, got %d", nbDigits)
	}
	if oracles < 1 || threshold < 1 || threshold > oracles {
		return nil, fmt.Errorf("bad oracle threshold %d-of-%d", threshold, oracles)
	}
	max, err := MaxOutcome(base, nbDigits)
	if err != nil {
		return nil, err
	}

	t := &Trie{
		Base:      base,
		NbDigits:  nbDigits,
		Threshold: threshold,
		Oracles:   oracles,
		combos:    combinations(oracles, threshold),
	}

	t.root, err = t.build(eval, nil, 0, max)
	if err != nil {
		return nil, err
	}

	// Cross product with the oracle combinations. Leaf-major ordering keeps
	// the single-oracle case identical to the plain prefix numbering.
	t.leaves = make([]Leaf, 0, len(t.groups)*len(t.combos))
	for _, g := range t.groups {
		for _, combo := range t.combos {
			l := g
			l.Index = len(t.leaves)
			l.Combination = combo
			t.leaves = append(t.leaves, l)
		}
	}
	return t, nil
}

func (t *Trie) build(eval Evaluator, prefix []int, lo, hi uint64) (int32, error) {
	if hi <= lo {
		return -1, fmt.Errorf("empty range [%d,%d)", lo, hi)
	}
	span := hi - lo
	pLo := eval.Payout(lo)
	pHi := eval.Payout(hi - 1)

	if pLo == pHi || span == 1 {
		if len(prefix) == 0 {
			// A constant curve would collapse to a zero-digit leaf, which no
			// oracle digit signature could bind. Force one level of split.
			return t.splitNode(eval, prefix, lo, hi)
		}
		idx := int32(len(t.nodes))
		ord := len(t.groups)
		t.nodes = append(t.nodes, Node{
			Prefix:   append([]int(nil), prefix...),
			Leaf:     true,
			Payout:   pLo,
			GroupOrd: ord,
		})
		t.groups = append(t.groups, Leaf{
			Prefix: append([]int(nil), prefix...),
			Start:  lo,
			End:    hi,
			Payout: pLo,
			Index:  ord,
		})
		return idx, nil
	}
	return t.splitNode(eval, prefix, lo, hi)
}

func (t *Trie) splitNode(eval Evaluator, prefix []int, lo, hi uint64) (int32, error) {
	span := hi - lo
	if span%uint64(t.Base) != 0 {
		return -1, fmt.Errorf("range width %d not divisible by base %d", span, t.Base)
	}
	step := span / uint64(t.Base)
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, Node{
		Prefix:   append([]int(nil), prefix...),
		Children: make([]int32, t.Base),
	})
	for d := 0; d < t.Base; d++ {
		child, err := t.build(eval, append(prefix, d), lo+uint64(d)*step, lo+uint64(d+1)*step)
		if err != nil {
			return -1, err
		}
		t.nodes[idx].Children[d] = child
	}
	return idx, nil
}

// Leaves returns the canonical leaf sequence: CET index i is leaves[i].
func (t *Trie) Leaves() []Leaf { return t.leaves }

// Groups returns the prefix groups before the oracle cross product. Each
// group corresponds to one distinct CET payout split.
func (t *Trie) Groups() []Leaf { return t.groups }

// NumCETs is the number of leaves (== adaptor signatures required).
func (t *Trie) NumCETs() int { return len(t.leaves) }

// ExpectedPayouts returns the payout of each prefix group in canonical order,
// a cheap structural-equality check between two decompositions of the same
// terms.
func (t *Trie) ExpectedPayouts() []int64 {
	out := make([]int64, len(t.groups))
	for i := range t.groups {
		out[i] = t.groups[i].Payout
	}
	return out
}

// findGroup walks the arena with the outcome's digits and returns the unique
// prefix group covering it.
func (t *Trie) findGroup(outcome uint64) (*Leaf, error) {
	max, _ := MaxOutcome(t.Base, t.NbDigits)
	if outcome >= max {
		return nil, fmt.Errorf("outcome %d outside declared range [0,%d)", outcome, max)
	}
	digits := DecomposeOutcome(outcome, t.Base, t.NbDigits)
	node := &t.nodes[t.root]
	for _, d := range digits {
		if node.Leaf {
			break
		}
		node = &t.nodes[node.Children[d]]
	}
	if !node.Leaf {
		return nil, fmt.Errorf("trie walk for outcome %d ended on internal node", outcome)
	}
	g := t.groups[node.GroupOrd]
	return &g, nil
}

// Find returns the leaf matching a set of attested outcomes keyed by oracle
// index. A combination is satisfied when every member oracle attested and
// all attested outcomes fall under the same prefix group; among satisfied
// combinations the first in lexicographic order wins, which is also the
// narrowest cover since leaf widths within one group are equal.
func (t *Trie) Find(outcomes map[int]uint64) (*Leaf, error) {
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("no attested outcomes")
	}

	groupByOracle := make(map[int]int, len(outcomes))
	for idx, o := range outcomes {
		if idx < 0 || idx >= t.Oracles {
			return nil, fmt.Errorf("oracle index %d out of range", idx)
		}
		g, err := t.findGroup(o)
		if err != nil {
			return nil, err
		}
		groupByOracle[idx] = g.Index
	}

	for _, l := range t.leaves {
		ok := true
		want := -1
		for _, idx := range l.Combination {
			g, attested := groupByOracle[idx]
			if !attested {
				ok = false
				break
			}
			if want == -1 {
				want = g
			} else if g != want {
				ok = false
				break
			}
		}
		if ok && want == t.groups[groupOrdOf(&l, t)].Index {
			leaf := l
			return &leaf, nil
		}
	}
	return nil, fmt.Errorf("no leaf satisfied by attested outcomes")
}

func groupOrdOf(l *Leaf, t *Trie) int {
	return l.Index / len(t.combos)
}

// Fingerprint hashes the canonical leaf set. Two conforming implementations
// fed identical inputs must produce identical fingerprints.
func (t *Trie) Fingerprint() [32]byte {
	h := blake256.New()
	for i := range t.leaves {
		l := &t.leaves[i]
		fmt.Fprintf(h, "%d:%s:%d:%d:%d\n", l.Index, l.GroupID(), l.Start, l.End, l.Payout)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// combinations returns all k-subsets of {0..n-1} in lexicographic order.
func combinations(n, k int) [][]int {
	var out [][]int
	combo := make([]int, k)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == k {
			out = append(out, append([]int(nil), combo...))
			return
		}
		for i := start; i <= n-(k-depth); i++ {
			combo[depth] = i
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
	return out
}
