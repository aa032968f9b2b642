package diff

import (
	"sort"
	"time"

	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/sync/conflict"
	"github.com/MozGangster/ydsync/internal/sync/index"
	"github.com/MozGangster/ydsync/internal/sync/scanner"
)

type Settings struct {
	Mode             Mode
	DeletePolicy     DeletePolicy
	ConflictStrategy conflict.Strategy
	TimeSkew         time.Duration
	// RemoteRoot is where new uploads are placed
	RemoteRoot string
}

type Inputs struct {
	Local    []scanner.LocalFile
	Remote   []scanner.RemoteFile
	Index    index.Index
	Settings Settings
}

type Plan struct {
	Operations []Operation
	// RemoteSnapshot is the remote inventory the plan was built from
	RemoteSnapshot map[string]scanner.RemoteFile
}

// Counts returns the number of operations per kind
func (p Plan) Counts() map[Kind]int {
	counts := make(map[Kind]int)
	for _, op := range p.Operations {
		counts[op.Kind()]++
	}
	return counts
}

func localChanged(loc scanner.LocalFile, idx index.Entry, ok bool) bool {
	return !ok || loc.ModTime > idx.LocalMtime || loc.Size != idx.LocalSize
}

func remoteChanged(rem scanner.RemoteFile, idx index.Entry, ok bool) bool {
	if !ok {
		return true
	}
	if rem.ModifiedMs() > idx.RemoteModified {
		return true
	}
	return idx.RemoteRevision != "" && rem.Revision != idx.RemoteRevision
}

// BuildPlan runs the three-way comparison of local, remote and index and
// returns at most one operation per path, sorted by path.
func BuildPlan(in Inputs, logger logging.Logger) Plan {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	s := in.Settings

	localMap := make(map[string]scanner.LocalFile, len(in.Local))
	for _, l := range in.Local {
		localMap[l.Rel] = l
	}
	remoteMap := make(map[string]scanner.RemoteFile, len(in.Remote))
	for _, r := range in.Remote {
		remoteMap[r.Rel] = r
	}

	rels := make(map[string]struct{}, len(localMap)+len(remoteMap))
	for rel := range localMap {
		rels[rel] = struct{}{}
	}
	for rel := range remoteMap {
		rels[rel] = struct{}{}
	}

	var ops []Operation
	canUpload := s.Mode.CanUpload()
	canDownload := s.Mode.CanDownload()

	upload := func(loc scanner.LocalFile, target string) Operation {
		return Upload{Rel: loc.Rel, Local: loc, RemoteTarget: target}
	}
	download := func(rem scanner.RemoteFile) Operation {
		return Download{Rel: rem.Rel, RemoteSource: rem.Path, Remote: rem}
	}

	for rel := range rels {
		loc, hasLocal := localMap[rel]
		rem, hasRemote := remoteMap[rel]
		entry, indexed := in.Index.Lookup(rel)

		switch {
		case hasLocal && !hasRemote:
			if canUpload {
				ops = append(ops, upload(loc, scanner.AbsFromRel(s.RemoteRoot, rel)))
			}
		case !hasLocal && hasRemote:
			if canDownload {
				ops = append(ops, download(rem))
			}
		default:
			lc := localChanged(loc, entry, indexed)
			rc := remoteChanged(rem, entry, indexed)

			switch {
			case lc && !rc:
				if canUpload {
					ops = append(ops, upload(loc, rem.Path))
				}
			case !lc && rc:
				if canDownload {
					ops = append(ops, download(rem))
				}
			case lc && rc:
				if s.ConflictStrategy == conflict.StrategyDuplicateBoth {
					ops = append(ops, Conflict{Rel: rel, Local: loc, Remote: rem})
					continue
				}
				localTs, remoteTs := loc.ModTime, rem.ModifiedMs()
				decision := conflict.NewestWins(localTs, remoteTs, s.TimeSkew, canUpload, canDownload)
				switch decision {
				case conflict.DecisionUpload:
					ops = append(ops, upload(loc, rem.Path))
				case conflict.DecisionDownload:
					ops = append(ops, download(rem))
				}
				logger.Info("Conflict resolved by newest",
					logging.F("rel", rel),
					logging.F("decision", decision.String()),
					logging.F("local_ms", localTs),
					logging.F("remote_ms", remoteTs),
					logging.F("tolerance_ms", s.TimeSkew.Milliseconds()))
			}
		}
	}

	if s.DeletePolicy == DeleteMirror {
		for rel, entry := range in.Index.Files {
			loc, hasLocal := localMap[rel]
			rem, hasRemote := remoteMap[rel]

			switch {
			case !hasLocal && hasRemote && canDownload:
				// Deleted locally; mirror only if the remote copy is untouched
				if !remoteChanged(rem, entry, true) {
					ops = append(ops, RemoteDelete{Rel: rel, RemoteTarget: rem.Path})
				}
			case hasLocal && !hasRemote && canUpload:
				// Deleted remotely; mirror only if the local copy is untouched
				if !localChanged(loc, entry, true) {
					ops = append(ops, LocalDelete{Rel: rel, Handle: loc.Handle})
				}
			}
		}
	}

	return Plan{
		Operations:     dedupe(ops),
		RemoteSnapshot: remoteMap,
	}
}

// dedupe keeps the highest priority operation per path
func dedupe(ops []Operation) []Operation {
	byRel := make(map[string]Operation, len(ops))
	for _, op := range ops {
		prev, ok := byRel[op.RelPath()]
		if !ok || Priority(op) > Priority(prev) {
			byRel[op.RelPath()] = op
		}
	}

	out := make([]Operation, 0, len(byRel))
	for _, op := range byRel {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath() < out[j].RelPath() })
	return out
}
