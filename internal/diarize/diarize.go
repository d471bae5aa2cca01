// Package diarize turns a raw transcript into speaker clusters with role
// labels, using per-utterance voice embeddings and agglomerative clustering.
package diarize

import (
	"context"
	"fmt"
	"math"

	"callscribe/internal/embed"
	"callscribe/internal/logger"
	"callscribe/internal/types"
)

// Error is a diarization stage failure.
type Error struct {
	Reason    string
	Transient bool
}

func (e *Error) Error() string { return "diarization: " + e.Reason }

func (e *Error) IsTransient() bool { return e.Transient }

type Engine struct {
	emb      embed.Embedder
	speakers int
	policy   string
	log      *logger.Logger
}

func New(emb embed.Embedder, speakers int, policy string, log *logger.Logger) *Engine {
	if speakers <= 0 {
		speakers = 2
	}
	return &Engine{emb: emb, speakers: speakers, policy: policy, log: log}
}

// Diarize partitions the transcript's utterances into speaker clusters and
// assigns role labels. Utterances whose embedding fails are attached to the
// cluster of the nearest (in time) successfully embedded utterance; only a
// total embedding failure fails the stage. Identical input yields identical
// clusters and labels.
func (e *Engine) Diarize(ctx context.Context, raw types.RawTranscript, audioPath string) ([]types.SpeakerCluster, error) {
	n := len(raw.Utterances)
	if n == 0 {
		return []types.SpeakerCluster{}, nil
	}

	log := e.log.WithField("module", "diarize")

	var (
		vecs   [][]float64
		okIdx  []int
		failed []int
	)
	for _, u := range raw.Utterances {
		vec, err := e.emb.EmbedSpan(ctx, audioPath, u.Start, u.End)
		if err != nil {
			log.WithError(err).WithField("utterance", u.Index).Warn("embedding failed, will degrade")
			failed = append(failed, u.Index)
			continue
		}
		vecs = append(vecs, vec)
		okIdx = append(okIdx, u.Index)
	}
	if len(okIdx) == 0 {
		return nil, &Error{Reason: fmt.Sprintf("embedding failed for all %d utterances", n), Transient: true}
	}

	k := e.speakers
	if k > len(okIdx) {
		// Fewer embedded utterances than requested speakers: one cluster each.
		k = len(okIdx)
	}

	labels := clusterEmbeddings(vecs, k)

	// utterance index -> cluster label
	assignment := make(map[int]int, n)
	for i, idx := range okIdx {
		assignment[idx] = labels[i]
	}
	for _, idx := range failed {
		assignment[idx] = assignment[nearestEmbedded(idx, okIdx)]
	}

	clusters := buildClusters(assignment, n)
	clusters = AssignRoles(clusters, e.policy)

	log.WithField("clusters", len(clusters)).WithField("degraded", len(failed)).Info("diarization completed")
	return clusters, nil
}

// nearestEmbedded returns the successfully embedded utterance index closest in
// sequence position to idx. Ties break toward the earlier utterance so the
// result is deterministic.
func nearestEmbedded(idx int, okIdx []int) int {
	best := okIdx[0]
	bestDist := math.Abs(float64(idx - best))
	for _, cand := range okIdx[1:] {
		d := math.Abs(float64(idx - cand))
		if d < bestDist {
			best = cand
			bestDist = d
		}
	}
	return best
}

// buildClusters groups utterance indices by cluster label, ordered by each
// cluster's first appearance in the transcript.
func buildClusters(assignment map[int]int, n int) []types.SpeakerCluster {
	order := []int{}
	members := map[int][]int{}
	for idx := 0; idx < n; idx++ {
		label, ok := assignment[idx]
		if !ok {
			continue
		}
		if _, seen := members[label]; !seen {
			order = append(order, label)
		}
		members[label] = append(members[label], idx)
	}
	out := make([]types.SpeakerCluster, 0, len(order))
	for pos, label := range order {
		out = append(out, types.SpeakerCluster{Label: pos, Utterances: members[label]})
	}
	return out
}
