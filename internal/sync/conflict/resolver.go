package conflict

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/MozGangster/ydsync/internal/sync/exclude"
)

type Strategy string

const (
	StrategyNewestWins    Strategy = "newest-wins"
	StrategyDuplicateBoth Strategy = "duplicate-both"
)

// Decision is the outcome of newest-wins for a path changed on both sides
type Decision int

const (
	DecisionNone Decision = iota
	DecisionUpload
	DecisionDownload
)

func (d Decision) String() string {
	switch d {
	case DecisionUpload:
		return "upload"
	case DecisionDownload:
		return "download"
	}
	return "none"
}

// NewestWins picks the side with the later timestamp. Timestamps within
// tolerance of each other count as simultaneous and the local side is kept,
// as is any case the mode leaves undecided while uploads are allowed.
func NewestWins(localMs, remoteMs int64, tolerance time.Duration, canUpload, canDownload bool) Decision {
	tol := tolerance.Milliseconds()
	if tol < 0 {
		tol = 0
	}
	switch {
	case canUpload && localMs > remoteMs+tol:
		return DecisionUpload
	case canDownload && remoteMs > localMs+tol:
		return DecisionDownload
	case canUpload:
		return DecisionUpload
	}
	return DecisionNone
}

// TimestampLayout is embedded in conflict copy names
const TimestampLayout = "2006-01-02-15-04-05"

// CopyNames returns the paths of the local and remote copies of rel, e.g.
// "note (conflict 2024-01-02-03-04-05 local).md". When either name is
// taken, a counter is appended to the timestamp: "... 2 local).md".
func CopyNames(rel string, at time.Time, taken func(string) bool) (local, remote string) {
	suffix := path.Ext(rel)
	base := strings.TrimSuffix(rel, suffix)
	ts := at.UTC().Format(TimestampLayout)

	for n := 1; ; n++ {
		stamp := ts
		if n > 1 {
			stamp = fmt.Sprintf("%s %d", ts, n)
		}
		local = fmt.Sprintf("%s (conflict %s local)%s", base, stamp, suffix)
		remote = fmt.Sprintf("%s (conflict %s remote)%s", base, stamp, suffix)
		if taken == nil || (!taken(local) && !taken(remote)) {
			return local, remote
		}
	}
}

// IsText reports whether rel is handled as UTF-8 text when duplicated
func IsText(rel string) bool {
	return strings.EqualFold(exclude.Ext(rel), "md")
}
