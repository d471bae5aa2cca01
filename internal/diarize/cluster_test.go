package diarize

import (
	"reflect"
	"testing"

	"callscribe/internal/types"
)

func TestClusterEmbeddings(t *testing.T) {
	a := []float64{1, 0}
	b := []float64{0, 1}
	tests := []struct {
		name string
		vecs [][]float64
		k    int
		want []int
	}{
		{name: "two clear groups", vecs: [][]float64{a, b, a, b}, k: 2, want: []int{0, 1, 0, 1}},
		{name: "single cluster", vecs: [][]float64{a, b, a}, k: 1, want: []int{0, 0, 0}},
		{name: "k larger than n", vecs: [][]float64{a, b}, k: 5, want: []int{0, 1}},
		{name: "one point", vecs: [][]float64{a}, k: 2, want: []int{0}},
		{name: "near duplicates group together", vecs: [][]float64{{1, 0.01}, {0.01, 1}, {1, 0.02}, {0.02, 1}}, k: 2, want: []int{0, 1, 0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clusterEmbeddings(tt.vecs, tt.k)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("clusterEmbeddings() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClusterEmbeddingsDeterministic(t *testing.T) {
	vecs := [][]float64{
		{0.9, 0.1, 0}, {0.1, 0.9, 0}, {0.8, 0.2, 0}, {0.2, 0.8, 0}, {0.85, 0.15, 0},
	}
	first := clusterEmbeddings(vecs, 2)
	for i := 0; i < 10; i++ {
		if got := clusterEmbeddings(vecs, 2); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: labels %v differ from %v", i, got, first)
		}
	}
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{name: "identical", a: []float64{1, 0}, b: []float64{1, 0}, want: 0},
		{name: "orthogonal", a: []float64{1, 0}, b: []float64{0, 1}, want: 1},
		{name: "opposite", a: []float64{1, 0}, b: []float64{-1, 0}, want: 2},
		{name: "zero vs nonzero", a: []float64{0, 0}, b: []float64{1, 0}, want: 1},
		{name: "both zero", a: []float64{0, 0}, b: []float64{0, 0}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineDistance(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosineDistance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssignRolesCompanyFirst(t *testing.T) {
	clusters := clustersWithFirsts(3)
	got := AssignRoles(clusters, PolicyCompanyFirst)
	wantRoles := []string{"Company", "Client", "Client 2"}
	for i, w := range wantRoles {
		if got[i].Role != w {
			t.Errorf("cluster %d role = %q, want %q", i, got[i].Role, w)
		}
	}
	// Input must not be mutated: role assignment is a pure function.
	for i := range clusters {
		if clusters[i].Role != "" {
			t.Errorf("input cluster %d mutated: role = %q", i, clusters[i].Role)
		}
	}
}

func TestAssignRolesNumbered(t *testing.T) {
	got := AssignRoles(clustersWithFirsts(2), PolicyNumbered)
	if got[0].Role != "Speaker 1" || got[1].Role != "Speaker 2" {
		t.Errorf("roles = %q, %q, want Speaker 1, Speaker 2", got[0].Role, got[1].Role)
	}
}

// clustersWithFirsts builds n role-less clusters already ordered by first
// appearance, the shape buildClusters produces.
func clustersWithFirsts(n int) []types.SpeakerCluster {
	out := make([]types.SpeakerCluster, n)
	for i := range out {
		out[i] = types.SpeakerCluster{Label: i, Utterances: []int{i}}
	}
	return out
}
