// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package compare implements pairwise SNV distance and mixture detection
// over seqdata.CompressedSequence values (spec §4.D).
package compare

import (
	"math"
	"sort"

	"github.com/grailbio/findneighbour-core/internal/posset"
	"github.com/grailbio/findneighbour-core/seqdata"
	"gonum.org/v1/gonum/stat/distuv"
)

// UncertainClass selects which ambiguity symbols trigger the
// mixture-aware skip rule in both distance computation and the mixture
// p-value (spec §9 open question (a): the two are deliberately kept
// coherent by sharing this one config value).
type UncertainClass int

const (
	ClassN UncertainClass = iota
	ClassM
	ClassNOrM
)

func skipN(class UncertainClass) bool { return class == ClassN || class == ClassNOrM }
func skipM(class UncertainClass) bool { return class == ClassM || class == ClassNOrM }

func isUncertainAt(cs *seqdata.CompressedSequence, pos int, class UncertainClass) bool {
	if skipN(class) && cs.NPos.Has(pos) {
		return true
	}
	if skipM(class) {
		if _, ok := cs.MPos[pos]; ok {
			return true
		}
	}
	return false
}

// Infinity is returned as the distance when the early-termination bound
// exceeds ceiling; spec §4.D calls for omitting such pairs entirely, which
// callers do by checking the returned ok value rather than the magic number,
// but Infinity is exported for callers that want a sentinel for logging.
const Infinity = math.MaxInt32

// SNVDistance computes d(X,Y) ignoring masked positions (masked positions
// never appear in any position set, by construction of refcodec, so no
// explicit mask argument is needed here). It returns (distance, true) if
// distance <= ceiling, or (Infinity, false) otherwise, having stopped early
// as soon as the running count exceeds ceiling (spec §4.D "early
// termination").
//
// d(X,X) == 0 and d(X,Y) == d(Y,X) for all non-invalid X, Y (spec §8.2):
// both hold because the candidate set and the per-position comparison are
// symmetric in X and Y.
func SNVDistance(x, y *seqdata.CompressedSequence, class UncertainClass, ceiling int) (int, bool) {
	if x.RefLen != y.RefLen {
		panic("compare: sequences encoded against references of different length")
	}
	candidates := posset.Union(x.RefLen,
		x.APos.Xor(y.APos),
		x.CPos.Xor(y.CPos),
		x.GPos.Xor(y.GPos),
		x.TPos.Xor(y.TPos),
	)
	count := 0
	for _, pos := range candidates.Positions() {
		if isUncertainAt(x, pos, class) || isUncertainAt(y, pos, class) {
			continue
		}
		if x.AssignedBase(pos) != y.AssignedBase(pos) {
			count++
			if count > ceiling {
				return Infinity, false
			}
		}
	}
	return count, true
}

// pureCallRate is the null-hypothesis dominant-base fraction expected at a
// position that is genuinely a single genotype: close to 1 but not exactly
// 1, to tolerate residual basecall noise. mixPORE's own derivation of this
// constant is out of scope (spec §4.D: "the core exposes mixture
// probability; it does not re-derive the statistical model here").
const pureCallRate = 0.98

// pseudoDepth is the nominal number of independent observations assumed to
// underlie a recorded base-frequency tuple, used to turn a frequency into a
// binomial trial count for the purity test below.
const pseudoDepth = 100

// MixturePValue tests, for each of x's M_pos positions whose uncertainty
// class participates in mixture testing, whether the recorded dominant-base
// frequency is consistent with a single genotype, using a two-sided
// binomial test against pureCallRate. It returns the smallest such p-value
// (the position most suggestive of a mixture) and whether that is below
// alpha. A sequence with no M_pos positions is reported as pure (p=1).
func MixturePValue(x *seqdata.CompressedSequence, class UncertainClass, alpha float64) (pvalue float64, mixed bool) {
	if !skipM(class) || len(x.MPos) == 0 {
		return 1, false
	}
	positions := make([]int, 0, len(x.MPos))
	for pos := range x.MPos {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	minP := 1.0
	binom := distuv.Binomial{N: pseudoDepth, P: pureCallRate}
	for _, pos := range positions {
		dominant := x.MPos[pos].Dominant()
		k := math.Round(dominant * pseudoDepth)
		lower := binom.CDF(k)
		upper := 1 - binom.CDF(k-1)
		p := 2 * math.Min(lower, upper)
		if p > 1 {
			p = 1
		}
		if p < minP {
			minP = p
		}
	}
	return minP, minP < alpha
}
