package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/findneighbour-core/cluster"
	"github.com/grailbio/findneighbour-core/compare"
)

func TestParseUncertainClass(t *testing.T) {
	cases := map[string]compare.UncertainClass{
		"n":      compare.ClassN,
		"m":      compare.ClassM,
		"n_or_m": compare.ClassNOrM,
	}
	for in, want := range cases {
		got, err := parseUncertainClass(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := parseUncertainClass("bogus")
	assert.Error(t, err)
}

func TestParseMixturePolicy(t *testing.T) {
	cases := map[string]cluster.MixturePolicy{
		"include_mixed":             cluster.IncludeMixed,
		"exclude_mixed":             cluster.ExcludeMixed,
		"exclude_mixed_from_growth": cluster.ExcludeMixedFromGrowth,
	}
	for in, want := range cases {
		got, err := parseMixturePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := parseMixturePolicy("bogus")
	assert.Error(t, err)
}

func TestParseClustering(t *testing.T) {
	algos, err := parseClustering("SNP12:12:n_or_m:exclude_mixed_from_growth,SNP2:2:n:exclude_mixed")
	require.NoError(t, err)
	require.Len(t, algos, 2)
	assert.Equal(t, "SNP12", algos[0].Name)
	assert.Equal(t, 12, algos[0].Threshold)
	assert.Equal(t, compare.ClassNOrM, algos[0].UncertainChar)
	assert.Equal(t, cluster.ExcludeMixedFromGrowth, algos[0].MixturePolicy)
	assert.Equal(t, "SNP2", algos[1].Name)
	assert.Equal(t, cluster.ExcludeMixed, algos[1].MixturePolicy)
}

func TestParseClusteringRejectsMalformedTuple(t *testing.T) {
	_, err := parseClustering("SNP12:12:n_or_m")
	assert.Error(t, err)
}

func TestParseClusteringSkipsBlankEntries(t *testing.T) {
	algos, err := parseClustering("")
	require.NoError(t, err)
	assert.Empty(t, algos)
}
