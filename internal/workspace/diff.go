package workspace

import (
	"strconv"
	"strings"
)

// ChangeStatus classifies a changed file.
type ChangeStatus string

const (
	ChangeAdded    ChangeStatus = "added"
	ChangeModified ChangeStatus = "modified"
	ChangeDeleted  ChangeStatus = "deleted"
	ChangeRenamed  ChangeStatus = "renamed"
	ChangeCopied   ChangeStatus = "copied"
)

// FileChange is one file in a workspace diff.
type FileChange struct {
	Path      string       `json:"path"`
	OldPath   string       `json:"old_path,omitempty"`
	Status    ChangeStatus `json:"status"`
	Additions int          `json:"additions"`
	Deletions int          `json:"deletions"`
	Binary    bool         `json:"binary,omitempty"`
	Patch     string       `json:"patch,omitempty"`
}

// parseNameStatus parses `git diff --name-status -M` output.
func parseNameStatus(out string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		fc := FileChange{Path: fields[len(fields)-1]}
		switch fields[0][0] {
		case 'A':
			fc.Status = ChangeAdded
		case 'D':
			fc.Status = ChangeDeleted
		case 'R':
			fc.Status = ChangeRenamed
		case 'C':
			fc.Status = ChangeCopied
		default:
			fc.Status = ChangeModified
		}
		if len(fields) == 3 {
			fc.OldPath = fields[1]
		}
		changes = append(changes, fc)
	}
	return changes
}

type numstat struct {
	additions, deletions int
	binary               bool
}

// parseNumstat parses `git diff --numstat -M` output, in file order.
func parseNumstat(out string) []numstat {
	var stats []numstat
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 {
			continue
		}
		if fields[0] == "-" && fields[1] == "-" {
			stats = append(stats, numstat{binary: true})
			continue
		}
		add, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		stats = append(stats, numstat{additions: add, deletions: del})
	}
	return stats
}

func mergeStats(changes []FileChange, stats []numstat) {
	// both listings come from the same diff so they share order
	if len(stats) != len(changes) {
		return
	}
	for i := range changes {
		changes[i].Additions = stats[i].additions
		changes[i].Deletions = stats[i].deletions
		changes[i].Binary = stats[i].binary
	}
}
