package diarize

import (
	"gonum.org/v1/gonum/floats"
)

// clusterEmbeddings runs average-linkage agglomerative clustering over the
// vectors until k clusters remain, using cosine distance. Merge ties break on
// the lowest member indices, so the labeling is fully deterministic. Returned
// labels are numbered by each cluster's first member position.
func clusterEmbeddings(vecs [][]float64, k int) []int {
	n := len(vecs)
	if n == 0 {
		return nil
	}
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}

	// Pairwise distance matrix.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := cosineDistance(vecs[i], vecs[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	for len(clusters) > k {
		bestA, bestB := 0, 1
		bestD := avgLinkage(clusters[0], clusters[1], dist)
		for a := 0; a < len(clusters); a++ {
			for b := a + 1; b < len(clusters); b++ {
				d := avgLinkage(clusters[a], clusters[b], dist)
				if d < bestD {
					bestA, bestB, bestD = a, b, d
				}
			}
		}
		clusters[bestA] = append(clusters[bestA], clusters[bestB]...)
		clusters = append(clusters[:bestB], clusters[bestB+1:]...)
	}

	// Label clusters by first member position.
	type fc struct {
		first   int
		members []int
	}
	byFirst := make([]fc, 0, len(clusters))
	for _, c := range clusters {
		first := c[0]
		for _, m := range c[1:] {
			if m < first {
				first = m
			}
		}
		byFirst = append(byFirst, fc{first: first, members: c})
	}
	for i := 0; i < len(byFirst); i++ {
		for j := i + 1; j < len(byFirst); j++ {
			if byFirst[j].first < byFirst[i].first {
				byFirst[i], byFirst[j] = byFirst[j], byFirst[i]
			}
		}
	}

	labels := make([]int, n)
	for label, c := range byFirst {
		for _, m := range c.members {
			labels[m] = label
		}
	}
	return labels
}

// avgLinkage is the mean pairwise distance between two clusters' members.
func avgLinkage(a, b []int, dist [][]float64) float64 {
	sum := 0.0
	for _, i := range a {
		for _, j := range b {
			sum += dist[i][j]
		}
	}
	return sum / float64(len(a)*len(b))
}

// cosineDistance is 1 - cosine similarity. Zero vectors (silent spans) are
// treated as maximally distant from everything except each other.
func cosineDistance(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 && nb == 0 {
		return 0
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - floats.Dot(a, b)/(na*nb)
}
