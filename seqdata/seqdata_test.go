package seqdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIUPACCode(t *testing.T) {
	cases := []struct {
		name string
		freq BaseFreq
		want byte
	}{
		{"pure A", BaseFreq{FA: 1}, 'M'},
		{"A/C", BaseFreq{FA: 0.5, FC: 0.5}, 'M'},
		{"A/G", BaseFreq{FA: 0.5, FG: 0.5}, 'R'},
		{"A/T", BaseFreq{FA: 0.5, FT: 0.5}, 'W'},
		{"C/G", BaseFreq{FC: 0.5, FG: 0.5}, 'S'},
		{"C/T", BaseFreq{FC: 0.5, FT: 0.5}, 'Y'},
		{"G/T", BaseFreq{FG: 0.5, FT: 0.5}, 'K'},
		{"three-way", BaseFreq{FA: 0.34, FC: 0.33, FG: 0.33}, 'N'},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.freq.IUPACCode())
		})
	}
}

func TestDominant(t *testing.T) {
	f := BaseFreq{FA: 0.1, FC: 0.6, FG: 0.2, FT: 0.1}
	assert.Equal(t, 0.6, f.Dominant())
}

func TestAssignedBase(t *testing.T) {
	cs := NewCompressedSequence("g1", 10)
	cs.CPos.Add(3)
	assert.Equal(t, byte('C'), cs.AssignedBase(3))
	assert.Equal(t, byte(0), cs.AssignedBase(4))
}

func TestCloneIsIndependent(t *testing.T) {
	cs := NewCompressedSequence("g1", 10)
	cs.APos.Add(1)
	cs.MPos[2] = BaseFreq{FA: 0.5, FC: 0.5}
	cs.Meta = map[string]interface{}{"k": "v"}

	clone := cs.Clone()
	clone.APos.Add(5)
	clone.MPos[2] = BaseFreq{FA: 1}

	assert.False(t, cs.APos.Has(5))
	assert.Equal(t, BaseFreq{FA: 0.5, FC: 0.5}, cs.MPos[2])
	// Meta is intentionally shared, not deep-copied.
	clone.Meta["k"] = "changed"
	assert.Equal(t, "changed", cs.Meta["k"])
}

func TestCloneCopiesLocalReference(t *testing.T) {
	cs := NewCompressedSequence("g1", 10)
	cs.Local = &LocalReference{AnchorGUID: "anchor"}
	clone := cs.Clone()
	clone.Local.AnchorGUID = "other"
	assert.Equal(t, "anchor", cs.Local.AnchorGUID)
}
