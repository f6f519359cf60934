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

// Package findneighbour wires MaskSet, ReferenceCodec, CompressedStore,
// Comparer, SparseMatrix, MSABuilder, and Clusterer together into the
// method surface the REST layer adapts into routes (spec §6.2).
//
// Service holds every dependency explicitly and is built once by New; there
// is no package-level state, so a process can host more than one Service
// (e.g. in tests) without interference.
package findneighbour

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"
	"github.com/grailbio/findneighbour-core/cluster"
	"github.com/grailbio/findneighbour-core/compare"
	"github.com/grailbio/findneighbour-core/config"
	"github.com/grailbio/findneighbour-core/ferrors"
	"github.com/grailbio/findneighbour-core/mask"
	"github.com/grailbio/findneighbour-core/msa"
	"github.com/grailbio/findneighbour-core/persist"
	"github.com/grailbio/findneighbour-core/seqdata"
	"github.com/grailbio/findneighbour-core/seqstore"
	"github.com/grailbio/findneighbour-core/sparsematrix"
)

const guidsBeginningWithCap = 30

// Service is the assembled core: spec §2's A-through-H components wired
// together behind the method surface of spec §6.2.
type Service struct {
	cfg   config.Config
	ref   string
	mask  *mask.Set
	store *seqstore.Store
	edges *sparsematrix.Matrix
	clust *cluster.Clusterer
	port  persist.Port

	// distanceClass is the single UncertainClass used for every pairwise
	// SNVDistance call, so a pair's stored edge weight does not depend on
	// which clustering algorithm last touched it. It is the uncertain_char
	// of the first configured clustering algorithm, or ClassNOrM if none
	// are configured. Each algorithm's own uncertain_char still governs
	// that algorithm's own mixture determination (see Insert).
	distanceClass compare.UncertainClass
}

// New validates cfg against the reference length and assembles a Service.
// maskPositions are the 0-based positions excluded from all distance math
// (spec §4.A).
func New(cfg config.Config, ref string, maskPositions []int, port persist.Port) (*Service, error) {
	if err := cfg.Validate(len(ref)); err != nil {
		return nil, err
	}
	m, err := mask.New(len(ref), maskPositions)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(cfg.Clustering))
	policies := make([]cluster.MixturePolicy, len(cfg.Clustering))
	distanceClass := compare.ClassNOrM
	for i, a := range cfg.Clustering {
		names[i] = a.Name
		policies[i] = a.MixturePolicy
		if i == 0 {
			distanceClass = a.UncertainChar
		}
	}

	return &Service{
		cfg:           cfg,
		ref:           ref,
		mask:          m,
		store:         seqstore.New(ref, m, cfg.MaxNPercent, cfg.WorkingSetCapacity, port),
		edges:         sparsematrix.New(cfg.SNVCeiling, port),
		clust:         cluster.New(names, policies),
		port:          port,
		distanceClass: distanceClass,
	}, nil
}

// Rebuild reloads the sparse matrix from persistence. Sequences are
// rehydrated lazily by seqstore on first access, so only the edge index
// needs an explicit rebuild step on startup (spec §4.E).
func (svc *Service) Rebuild(ctx context.Context) error {
	return svc.edges.Rebuild(ctx)
}

// Exists reports whether guid has ever been inserted.
func (svc *Service) Exists(guid string) bool { return svc.store.Exists(guid) }

// Annotation is the per-guid metadata bundle returned by annotation().
type Annotation struct {
	Quality float64
	Invalid bool
	Meta    map[string]interface{}
}

// Annotation returns guid's quality, invalid flag, and attribute bag.
func (svc *Service) Annotation(ctx context.Context, guid string) (Annotation, error) {
	cs, err := svc.store.Get(ctx, guid)
	if err != nil {
		return Annotation{}, err
	}
	return Annotation{Quality: cs.Quality, Invalid: cs.Invalid, Meta: cs.Meta}, nil
}

// Sequence reconstructs guid's masked input string.
func (svc *Service) Sequence(ctx context.Context, guid string) (string, error) {
	return svc.store.Sequence(ctx, guid)
}

// GUIDs returns every inserted guid, in insertion order.
func (svc *Service) GUIDs() []string { return svc.store.AllGUIDs() }

// GUIDsBeginningWith returns every guid with the given prefix, or an empty
// slice if more than guidsBeginningWithCap match (spec §6.2: "prefix match
// limited to 30 results, empty on overflow" -- a caller seeing an empty
// result should narrow the prefix rather than assume none exist).
func (svc *Service) GUIDsBeginningWith(prefix string) []string {
	var matches []string
	for _, g := range svc.store.AllGUIDs() {
		if strings.HasPrefix(g, prefix) {
			matches = append(matches, g)
			if len(matches) > guidsBeginningWithCap {
				return nil
			}
		}
	}
	sort.Strings(matches)
	return matches
}

// GUIDsWithQualityOver returns every guid whose quality exceeds cutoff.
func (svc *Service) GUIDsWithQualityOver(ctx context.Context, cutoff float64) ([]string, error) {
	var out []string
	for _, g := range svc.store.AllGUIDs() {
		cs, err := svc.store.Get(ctx, g)
		if err != nil {
			return nil, err
		}
		if cs.Quality > cutoff {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out, nil
}

// NeighboursWithin returns guid's neighbours at snv <= threshold and
// partner quality >= qualityCutoff.
func (svc *Service) NeighboursWithin(guid string, threshold int, qualityCutoff float64, format sparsematrix.Format) ([]sparsematrix.Neighbour, error) {
	if !svc.store.Exists(guid) {
		return nil, ferrors.Errorf(ferrors.NotFound, "findneighbour: unknown guid %q", guid)
	}
	return svc.edges.Neighbours(guid, threshold, qualityCutoff, format), nil
}

// Insert implements spec §2's control flow: compress and store g, compare
// it against every existing non-invalid guid, record resulting edges,
// update every clustering algorithm, advancing each one's change-id.
//
// If g is flagged invalid (too low quality), it is still stored but
// excluded from comparison, edges, and clusters; QualityTooLow is returned
// alongside the stored sequence so the caller can tell the two outcomes
// apart (spec §7).
func (svc *Service) Insert(ctx context.Context, guid, seq string, meta map[string]interface{}) (*seqdata.CompressedSequence, error) {
	cs, err := svc.store.Insert(ctx, guid, seq, meta)
	if err != nil {
		return nil, err
	}
	if cs.Invalid {
		return cs, ferrors.Errorf(ferrors.QualityTooLow, "findneighbour: %s is below the quality threshold", guid)
	}

	if err := svc.compareAndLink(ctx, cs); err != nil {
		if rbErr := svc.edges.Remove(ctx, guid); rbErr != nil {
			log.Error.Printf("findneighbour: rollback of partial edges for %s failed: %v", guid, rbErr)
		}
		return nil, err
	}

	svc.updateClusters(cs)
	return cs, nil
}

func (svc *Service) compareAndLink(ctx context.Context, cs *seqdata.CompressedSequence) error {
	for _, other := range svc.store.AllGUIDs() {
		if other == cs.GUID {
			continue
		}
		if ctx.Err() != nil {
			return ferrors.Wrap(ferrors.Internal, ctx.Err(), "findneighbour: insert cancelled mid-comparison")
		}

		otherCS, err := svc.store.Get(ctx, other)
		if err != nil {
			if ferrors.Is(err, ferrors.PersistenceFailure) {
				log.Error.Printf("findneighbour: skipping comparison %s/%s: %v", cs.GUID, other, err)
				continue
			}
			return err
		}
		if otherCS.Invalid {
			continue
		}

		snv, ok := compare.SNVDistance(cs, otherCS, svc.distanceClass, svc.cfg.SNVCeiling)
		if !ok {
			continue
		}
		if err := svc.edges.AddEdge(ctx, cs.GUID, other, snv, cs.Quality, otherCS.Quality, cs.Meta, otherCS.Meta); err != nil {
			return err
		}
	}
	return nil
}

func (svc *Service) updateClusters(cs *seqdata.CompressedSequence) {
	for _, a := range svc.cfg.Clustering {
		algo := svc.clust.Algorithm(a.Name)
		_, isMixed := compare.MixturePValue(cs, a.UncertainChar, svc.cfg.MixtureAlpha)

		neighbours := svc.edges.Neighbours(cs.GUID, a.Threshold, 0, sparsematrix.FormatIDSNV)
		candidates := make([]cluster.EdgeCandidate, 0, len(neighbours))
		for _, n := range neighbours {
			partnerCS, err := svc.store.Get(context.Background(), n.GUID)
			if err != nil {
				log.Error.Printf("findneighbour: cluster update: load %s: %v", n.GUID, err)
				continue
			}
			_, partnerMixed := compare.MixturePValue(partnerCS, a.UncertainChar, svc.cfg.MixtureAlpha)
			candidates = append(candidates, cluster.EdgeCandidate{Partner: n.GUID, PartnerMixed: partnerMixed})
		}
		algo.Insert(cs.GUID, isMixed, candidates)
	}
}

// ClusterListing is one cluster's full membership, as returned by Clusters.
type ClusterListing struct {
	ClusterID int
	Members   []string
}

// Clusters returns every current cluster and its members for algo.
func (svc *Service) Clusters(algo string) ([]ClusterListing, error) {
	a := svc.clust.Algorithm(algo)
	if a == nil {
		return nil, ferrors.Errorf(ferrors.NotFound, "findneighbour: unknown clustering algorithm %q", algo)
	}
	ids := a.ClusterIDs()
	out := make([]ClusterListing, len(ids))
	for i, id := range ids {
		out[i] = ClusterListing{ClusterID: id, Members: a.Members(id)}
	}
	return out, nil
}

// ClusterSummary returns mixed/unmixed counts per cluster for algo.
func (svc *Service) ClusterSummary(algo string) ([]cluster.Summary, error) {
	a := svc.clust.Algorithm(algo)
	if a == nil {
		return nil, ferrors.Errorf(ferrors.NotFound, "findneighbour: unknown clustering algorithm %q", algo)
	}
	return a.Summary(), nil
}

// ClusterIDs returns every current cluster id for algo.
func (svc *Service) ClusterIDs(algo string) ([]int, error) {
	a := svc.clust.Algorithm(algo)
	if a == nil {
		return nil, ferrors.Errorf(ferrors.NotFound, "findneighbour: unknown clustering algorithm %q", algo)
	}
	return a.ClusterIDs(), nil
}

// GUIDs2Clusters returns every guid whose cluster assignment for algo has
// changed since afterChangeID.
func (svc *Service) GUIDs2Clusters(algo string, afterChangeID int) ([]cluster.Membership, error) {
	a := svc.clust.Algorithm(algo)
	if a == nil {
		return nil, ferrors.Errorf(ferrors.NotFound, "findneighbour: unknown clustering algorithm %q", algo)
	}
	return a.GUIDs2Clusters(afterChangeID), nil
}

// Network returns the nodes and edges of clusterID under algo, for
// visualisation.
func (svc *Service) Network(algo string, clusterID int) ([]string, []cluster.NetworkEdge, error) {
	a := svc.clust.Algorithm(algo)
	if a == nil {
		return nil, nil, ferrors.Errorf(ferrors.NotFound, "findneighbour: unknown clustering algorithm %q", algo)
	}
	nodes, edges := a.Network(clusterID)
	return nodes, edges, nil
}

// ExportNode is one node of a NetworkExport, carrying an opaque export ID
// alongside the real guid.
type ExportNode struct {
	ExportID string
	GUID     string
}

// ExportEdge is one edge of a NetworkExport, referencing nodes by their
// opaque export IDs rather than by guid.
type ExportEdge struct {
	ExportID1, ExportID2 string
}

// NetworkExport returns clusterID's network with guids replaced by
// synthetic, per-call opaque identifiers. Visualisation front-ends that
// must not leak real guids into exported graph payloads (e.g. a shareable
// cluster-network snapshot) use these export IDs instead; they carry no
// meaning beyond this one export and are never reused as the guid itself.
func (svc *Service) NetworkExport(algo string, clusterID int) ([]ExportNode, []ExportEdge, error) {
	nodes, edges, err := svc.Network(algo, clusterID)
	if err != nil {
		return nil, nil, err
	}
	exportID := make(map[string]string, len(nodes))
	exportNodes := make([]ExportNode, 0, len(nodes))
	for _, guid := range nodes {
		id := uuid.NewString()
		exportID[guid] = id
		exportNodes = append(exportNodes, ExportNode{ExportID: id, GUID: guid})
	}
	exportEdges := make([]ExportEdge, 0, len(edges))
	for _, e := range edges {
		exportEdges = append(exportEdges, ExportEdge{ExportID1: exportID[e.G1], ExportID2: exportID[e.G2]})
	}
	return exportNodes, exportEdges, nil
}

type msaSource struct {
	ctx   context.Context
	store *seqstore.Store
}

func (s msaSource) Get(guid string) (*seqdata.CompressedSequence, error) {
	return s.store.Get(s.ctx, guid)
}

// MultipleAlignment builds a reduced MSA over guids (spec §4.F).
func (svc *Service) MultipleAlignment(ctx context.Context, guids []string, opts msa.Options) (*msa.Alignment, error) {
	return msa.Build(svc.ref, svc.mask, msaSource{ctx: ctx, store: svc.store}, guids, opts)
}

// MemoryUsage is the stats snapshot returned by ServerMemoryUsage. The
// original nrows parameter paginated a large per-row breakdown; this
// snapshot is already aggregate, so ServerMemoryUsage takes no nrows
// argument (spec §4.D's
// own note applies by analogy: the core reports a summary, it does not
// re-derive a detailed row-level accounting).
type MemoryUsage struct {
	TotalGUIDs     int
	WorkingSetSize int
	EdgeCount      int
	ClustersByAlgo map[string]int
}

// ServerMemoryUsage reports a snapshot of in-RAM resource usage.
func (svc *Service) ServerMemoryUsage() MemoryUsage {
	byAlgo := map[string]int{}
	for _, name := range svc.clust.Names() {
		byAlgo[name] = len(svc.clust.Algorithm(name).ClusterIDs())
	}
	return MemoryUsage{
		TotalGUIDs:     len(svc.store.AllGUIDs()),
		WorkingSetSize: svc.store.WorkingSetSize(),
		EdgeCount:      svc.edges.EdgeCount(),
		ClustersByAlgo: byAlgo,
	}
}

// SNVCeiling returns the configured maximum stored SNV distance.
func (svc *Service) SNVCeiling() int { return svc.cfg.SNVCeiling }

// NucleotidesExcluded returns the masked reference positions.
func (svc *Service) NucleotidesExcluded() []int { return svc.mask.Positions() }

// Reset drops every sequence, edge, and cluster. Gated by debug_mode at the
// REST layer (spec §6.1, §6.2); Service performs no gating of its own so it
// stays independent of the transport.
func (svc *Service) Reset(ctx context.Context) error {
	if err := svc.store.Reset(ctx); err != nil {
		return err
	}
	if err := svc.edges.Reset(ctx); err != nil {
		return err
	}
	svc.clust.Reset()
	return nil
}

// RaiseError returns a synthetic error of the given kind, for exercising
// error-propagation paths in the REST layer. Gated by debug_mode at the
// REST layer, like Reset.
func RaiseError(kind ferrors.Kind) error {
	return ferrors.Errorf(kind, "findneighbour: synthetic %s error raised by raise_error", kind)
}
