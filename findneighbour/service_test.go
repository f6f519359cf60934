package findneighbour

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/findneighbour-core/cluster"
	"github.com/grailbio/findneighbour-core/compare"
	"github.com/grailbio/findneighbour-core/config"
	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/msa"
	"github.com/grailbio/findneighbour-core/persist/fs"
	"github.com/grailbio/findneighbour-core/sparsematrix"
)

func newTestService(t *testing.T, refLen int, snvCeiling int) (*Service, string) {
	t.Helper()
	ref := strings.Repeat("A", refLen)
	port, err := fs.New(t.TempDir())
	require.NoError(t, err)
	cfg := config.Config{
		SNVCeiling:  snvCeiling,
		MaxNPercent: 0.5,
		Clustering: []config.ClusteringAlgo{
			{Name: "SNP12", Threshold: 2, UncertainChar: compare.ClassNOrM, MixturePolicy: cluster.ExcludeMixedFromGrowth},
		},
		MixtureAlpha:       0.05,
		WorkingSetCapacity: 100,
	}
	svc, err := New(cfg, ref, nil, port)
	require.NoError(t, err)
	return svc, ref
}

func TestInsertComparesAgainstExistingGUIDs(t *testing.T) {
	ctx := context.Background()
	svc, ref := newTestService(t, 20, 20)

	_, err := svc.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)
	near := "C" + ref[1:]
	_, err = svc.Insert(ctx, "g2", near, nil)
	require.NoError(t, err)

	ns, err := svc.NeighboursWithin("g1", 20, 0, sparsematrix.FormatIDSNV)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, "g2", ns[0].GUID)
	assert.Equal(t, 1, ns[0].SNV)
}

func TestInsertInvalidSequenceIsStoredButExcluded(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 10, 20)
	_, err := svc.Insert(ctx, "low", strings.Repeat("N", 10), nil)
	assert.True(t, ferrors.Is(err, ferrors.QualityTooLow))
	assert.True(t, svc.Exists("low"))

	ann, err := svc.Annotation(ctx, "low")
	require.NoError(t, err)
	assert.True(t, ann.Invalid)

	ns, err := svc.NeighboursWithin("low", 20, 0, sparsematrix.FormatIDSNV)
	require.NoError(t, err)
	assert.Empty(t, ns)
}

func TestInsertUpdatesConfiguredClusters(t *testing.T) {
	ctx := context.Background()
	svc, ref := newTestService(t, 20, 20)
	_, err := svc.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)
	near := "C" + ref[1:]
	_, err = svc.Insert(ctx, "g2", near, nil)
	require.NoError(t, err)

	clusters, err := svc.Clusters("SNP12")
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"g1", "g2"}, clusters[0].Members)
}

func TestClustersUnknownAlgorithm(t *testing.T) {
	svc, _ := newTestService(t, 10, 20)
	_, err := svc.Clusters("nope")
	assert.True(t, ferrors.Is(err, ferrors.NotFound))
}

func TestNeighboursWithinUnknownGUID(t *testing.T) {
	svc, _ := newTestService(t, 10, 20)
	_, err := svc.NeighboursWithin("nope", 5, 0, sparsematrix.FormatIDSNV)
	assert.True(t, ferrors.Is(err, ferrors.NotFound))
}

func TestGUIDsBeginningWithOverflowReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	svc, ref := newTestService(t, 10, 20)
	for i := 0; i < 35; i++ {
		guid := "sample-" + string(rune('A'+i))
		_, err := svc.Insert(ctx, guid, ref, nil)
		require.NoError(t, err)
	}
	assert.Nil(t, svc.GUIDsBeginningWith("sample-"))
}

func TestGUIDsWithQualityOver(t *testing.T) {
	ctx := context.Background()
	svc, ref := newTestService(t, 10, 20)
	_, err := svc.Insert(ctx, "good", ref, nil)
	require.NoError(t, err)
	_, err = svc.Insert(ctx, "bad", strings.Repeat("N", 10), nil)
	require.Error(t, err) // QualityTooLow, still stored

	out, err := svc.GUIDsWithQualityOver(ctx, 0.9)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, out)
}

func TestResetClearsStoreEdgesAndClusters(t *testing.T) {
	ctx := context.Background()
	svc, ref := newTestService(t, 20, 20)
	_, err := svc.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)
	_, err = svc.Insert(ctx, "g2", "C"+ref[1:], nil)
	require.NoError(t, err)

	require.NoError(t, svc.Reset(ctx))
	assert.False(t, svc.Exists("g1"))
	ids, err := svc.ClusterIDs("SNP12")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMultipleAlignmentOverInsertedGUIDs(t *testing.T) {
	ctx := context.Background()
	svc, ref := newTestService(t, 20, 20)
	_, err := svc.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)
	_, err = svc.Insert(ctx, "g2", "C"+ref[1:], nil)
	require.NoError(t, err)

	align, err := svc.MultipleAlignment(ctx, []string{"g1", "g2"}, msa.Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, align.Columns)
}

func TestNetworkExportAssignsOpaqueIDsDistinctFromGUIDs(t *testing.T) {
	ctx := context.Background()
	svc, ref := newTestService(t, 20, 20)
	_, err := svc.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)
	_, err = svc.Insert(ctx, "g2", "C"+ref[1:], nil)
	require.NoError(t, err)

	ids, err := svc.ClusterIDs("SNP12")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	nodes, edges, err := svc.NetworkExport("SNP12", ids[0])
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Len(t, edges, 1)

	guidOf := map[string]string{}
	seen := map[string]bool{}
	for _, n := range nodes {
		assert.NotEmpty(t, n.ExportID)
		assert.NotEqual(t, n.GUID, n.ExportID)
		assert.False(t, seen[n.ExportID], "export IDs must be unique per call")
		seen[n.ExportID] = true
		guidOf[n.ExportID] = n.GUID
	}
	assert.ElementsMatch(t, []string{"g1", "g2"}, []string{guidOf[edges[0].ExportID1], guidOf[edges[0].ExportID2]})
}

func TestNetworkExportUnknownAlgorithm(t *testing.T) {
	svc, _ := newTestService(t, 10, 20)
	_, _, err := svc.NetworkExport("nope", 0)
	assert.True(t, ferrors.Is(err, ferrors.NotFound))
}

func TestRaiseErrorReturnsRequestedKind(t *testing.T) {
	err := RaiseError(ferrors.NotFound)
	assert.True(t, ferrors.Is(err, ferrors.NotFound))
}

func TestServerMemoryUsageReflectsState(t *testing.T) {
	ctx := context.Background()
	svc, ref := newTestService(t, 20, 20)
	_, err := svc.Insert(ctx, "g1", ref, nil)
	require.NoError(t, err)
	_, err = svc.Insert(ctx, "g2", "C"+ref[1:], nil)
	require.NoError(t, err)

	stats := svc.ServerMemoryUsage()
	assert.Equal(t, 2, stats.TotalGUIDs)
	assert.Equal(t, 1, stats.EdgeCount)
	assert.Equal(t, 1, stats.ClustersByAlgo["SNP12"])
}
