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
package main

/*
findneighbour-core loads a reference FASTA and a mask file, ingests a FASTA
file of consensus sequences as samples, and reports the resulting edge and
cluster counts. It is a demonstration harness for the comparison and
clustering core, not the REST service the core is meant to sit behind.
*/

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/findneighbour-core/cluster"
	"github.com/grailbio/findneighbour-core/compare"
	"github.com/grailbio/findneighbour-core/config"
	"github.com/grailbio/findneighbour-core/encoding/fasta"
	"github.com/grailbio/findneighbour-core/findneighbour"
	"github.com/grailbio/findneighbour-core/persist/fs"
)

var (
	referencePath = flag.String("reference", "", "FASTA file holding exactly one sequence, the reference R")
	maskPath      = flag.String("mask", "", "File of newline-separated 0-based positions excluded from distance math; optional")
	inputPath     = flag.String("input", "", "FASTA file of consensus sequences to insert; each record's name becomes its guid")
	persistDir    = flag.String("persist-dir", "", "Directory backing the PersistencePort")
	clustering    = flag.String("clustering", "SNP12:12:n_or_m:exclude_mixed_from_growth", "Comma-separated name:threshold:uncertain_char:mixture_policy tuples")
	snvCeiling    = flag.Int("snv-ceiling", 20, "Maximum stored SNV distance")
	maxNPercent   = flag.Float64("max-n-percent", 0.1, "Fraction of N+M above which a sequence is flagged invalid")
	mixtureAlpha  = flag.Float64("mixture-alpha", 0.05, "Significance threshold for the mixed flag")
	workingSetCap = flag.Int("working-set-capacity", 1000, "Soft upper bound on rehydrated sequences held in RAM")
	debugMode     = flag.Bool("debug-mode", false, "Enable reset and raise_error")
	serverName    = flag.String("server-name", "findneighbour-core", "Opaque server name echoed by the REST layer")
)

func usage() {
	fmt.Printf("Usage: %s -reference ref.fasta -input samples.fasta -persist-dir DIR [OPTIONS]\n", os.Args[0])
	flag.PrintDefaults()
}

func loadReference(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fa, err := fasta.New(f)
	if err != nil {
		return "", err
	}
	names := fa.SeqNames()
	if len(names) != 1 {
		return "", fmt.Errorf("reference FASTA must hold exactly one sequence, found %d", len(names))
	}
	n, err := fa.Len(names[0])
	if err != nil {
		return "", err
	}
	return fa.Get(names[0], 0, n)
}

func loadMask(path string) ([]int, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var positions []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("mask file %s: %v", path, err)
		}
		positions = append(positions, p)
	}
	return positions, scanner.Err()
}

func parseUncertainClass(s string) (compare.UncertainClass, error) {
	switch s {
	case "n":
		return compare.ClassN, nil
	case "m":
		return compare.ClassM, nil
	case "n_or_m":
		return compare.ClassNOrM, nil
	default:
		return 0, fmt.Errorf("unknown uncertain_char %q", s)
	}
}

func parseMixturePolicy(s string) (cluster.MixturePolicy, error) {
	switch s {
	case "include_mixed":
		return cluster.IncludeMixed, nil
	case "exclude_mixed":
		return cluster.ExcludeMixed, nil
	case "exclude_mixed_from_growth":
		return cluster.ExcludeMixedFromGrowth, nil
	default:
		return 0, fmt.Errorf("unknown mixture_policy %q", s)
	}
}

func parseClustering(s string) ([]config.ClusteringAlgo, error) {
	var out []config.ClusteringAlgo
	for _, tuple := range strings.Split(s, ",") {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}
		fields := strings.Split(tuple, ":")
		if len(fields) != 4 {
			return nil, fmt.Errorf("clustering tuple %q must have 4 fields", tuple)
		}
		threshold, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("clustering tuple %q: %v", tuple, err)
		}
		uc, err := parseUncertainClass(fields[2])
		if err != nil {
			return nil, fmt.Errorf("clustering tuple %q: %v", tuple, err)
		}
		policy, err := parseMixturePolicy(fields[3])
		if err != nil {
			return nil, fmt.Errorf("clustering tuple %q: %v", tuple, err)
		}
		out = append(out, config.ClusteringAlgo{
			Name:          fields[0],
			Threshold:     threshold,
			UncertainChar: uc,
			MixturePolicy: policy,
		})
	}
	return out, nil
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	if *referencePath == "" || *inputPath == "" || *persistDir == "" {
		log.Fatalf("-reference, -input, and -persist-dir are required")
	}

	ref, err := loadReference(*referencePath)
	if err != nil {
		log.Fatalf("loading reference: %v", err)
	}
	maskPositions, err := loadMask(*maskPath)
	if err != nil {
		log.Fatalf("loading mask: %v", err)
	}
	clusteringAlgos, err := parseClustering(*clustering)
	if err != nil {
		log.Fatalf("parsing -clustering: %v", err)
	}

	cfg := config.Config{
		SNVCeiling:         *snvCeiling,
		MaxNPercent:        *maxNPercent,
		Clustering:         clusteringAlgos,
		MixtureAlpha:       *mixtureAlpha,
		WorkingSetCapacity: *workingSetCap,
		DebugMode:          *debugMode,
		ServerName:         *serverName,
	}

	port, err := fs.New(*persistDir)
	if err != nil {
		log.Fatalf("opening persistence: %v", err)
	}

	svc, err := findneighbour.New(cfg, ref, maskPositions, port)
	if err != nil {
		log.Fatalf("assembling service: %v", err)
	}

	ctx := vcontext.Background()
	if err := svc.Rebuild(ctx); err != nil {
		log.Fatalf("rebuilding from persistence: %v", err)
	}

	inputFile, err := os.Open(*inputPath)
	if err != nil {
		log.Fatalf("opening -input: %v", err)
	}
	defer inputFile.Close()
	samples, err := fasta.New(inputFile)
	if err != nil {
		log.Fatalf("parsing -input: %v", err)
	}

	inserted, flagged := 0, 0
	for _, guid := range samples.SeqNames() {
		n, err := samples.Len(guid)
		if err != nil {
			log.Fatalf("reading %s: %v", guid, err)
		}
		seq, err := samples.Get(guid, 0, n)
		if err != nil {
			log.Fatalf("reading %s: %v", guid, err)
		}
		if _, err := svc.Insert(ctx, guid, seq, nil); err != nil {
			log.Error.Printf("insert %s: %v", guid, err)
			flagged++
			continue
		}
		inserted++
	}

	stats := svc.ServerMemoryUsage()
	log.Printf("inserted=%d flagged=%d total_guids=%d working_set=%d edges=%d",
		inserted, flagged, stats.TotalGUIDs, stats.WorkingSetSize, stats.EdgeCount)
	for algo, n := range stats.ClustersByAlgo {
		log.Printf("clusters[%s]=%d", algo, n)
	}
}
