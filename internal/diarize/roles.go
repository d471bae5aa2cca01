package diarize

import (
	"fmt"

	"callscribe/internal/types"
)

// Role assignment policies.
const (
	PolicyCompanyFirst = "company-first"
	PolicyNumbered     = "numbered"
)

const RoleCompany = "Company"

// AssignRoles maps clusters to display roles as a pure function of utterance
// order and cluster assignment. Clusters must be ordered by first appearance,
// as buildClusters produces them.
//
// company-first: the cluster that speaks first is "Company"; remaining
// clusters become "Client", "Client 2", ... in order of first appearance.
// numbered: clusters become "Speaker 1".."Speaker N" in order of first
// appearance (a single-speaker recording yields just "Speaker 1").
func AssignRoles(clusters []types.SpeakerCluster, policy string) []types.SpeakerCluster {
	out := make([]types.SpeakerCluster, len(clusters))
	copy(out, clusters)
	switch policy {
	case PolicyNumbered:
		for i := range out {
			out[i].Role = fmt.Sprintf("Speaker %d", i+1)
		}
	default: // company-first
		for i := range out {
			switch i {
			case 0:
				out[i].Role = RoleCompany
			case 1:
				out[i].Role = "Client"
			default:
				out[i].Role = fmt.Sprintf("Client %d", i)
			}
		}
	}
	return out
}
