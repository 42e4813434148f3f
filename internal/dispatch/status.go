package dispatch

import (
	"fmt"
	"strings"

	"github.com/loomctl/loom/pkg/models"
)

// ParseStatusToken scans worker output for the node's status token:
// "<nodeId> completed" or "<nodeId> BLOCKED[: reason]". All other output
// is chatter and is ignored. A token for a different node never counts.
func ParseStatusToken(node models.NodeID, raw string) (models.ResultStatus, string, error) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)

		if line == string(node)+" completed" {
			return models.StatusCompleted, "", nil
		}

		blockedPrefix := string(node) + " BLOCKED"
		if line == blockedPrefix {
			return models.StatusBlocked, "worker reported blocked", nil
		}
		if rest, found := strings.CutPrefix(line, blockedPrefix+":"); found {
			reason := strings.TrimSpace(rest)
			if reason == "" {
				reason = "worker reported blocked"
			}
			return models.StatusBlocked, reason, nil
		}
	}
	return "", "", fmt.Errorf("%w: node %s", ErrNoStatus, node)
}
