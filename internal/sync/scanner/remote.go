package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/MozGangster/ydsync/internal/api"
	"github.com/MozGangster/ydsync/internal/utils"
)

// Lister returns one page of a remote directory
type Lister interface {
	ListPage(ctx context.Context, path string, limit, offset int) ([]api.Resource, error)
}

type RemoteWalker struct {
	lister   Lister
	pageSize int
}

func NewRemoteWalker(lister Lister) *RemoteWalker {
	return &RemoteWalker{
		lister:   lister,
		pageSize: utils.ListPageLimit,
	}
}

// ListRecursive returns every file below root. Directories are visited
// depth-first from an explicit stack; each is paged until a short page.
func (w *RemoteWalker) ListRecursive(ctx context.Context, root string) ([]RemoteFile, error) {
	var files []RemoteFile
	stack := []string{root}

	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for offset := 0; ; offset += w.pageSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			items, err := w.lister.ListPage(ctx, dir, w.pageSize, offset)
			if err != nil {
				return nil, fmt.Errorf("list %s: %w", dir, err)
			}

			for _, it := range items {
				switch {
				case it.IsDir():
					stack = append(stack, it.Path)
				case it.IsFile():
					files = append(files, RemoteFile{
						Rel:      RelFromAbs(it.Path, root),
						Path:     it.Path,
						Size:     it.Size,
						Modified: it.Modified,
						Revision: string(it.Revision),
						MD5:      it.MD5,
						SHA256:   it.SHA256,
					})
				}
			}

			if len(items) < w.pageSize {
				break
			}
		}
	}

	return files, nil
}

func stripAlias(p string) string {
	for _, alias := range []string{"app:", "disk:", "trash:"} {
		if strings.HasPrefix(p, alias) {
			return p[len(alias):]
		}
	}
	return p
}

// RelFromAbs maps an absolute remote path to a path relative to base.
// An app: base is expanded by the server to disk:/Applications/<App>/...,
// so the two leading segments of abs are dropped before matching. Paths
// still carrying the app: alias are taken as already relative to it.
func RelFromAbs(abs, base string) string {
	a := strings.TrimLeft(stripAlias(abs), "/")
	b := strings.Trim(stripAlias(base), "/")

	if strings.HasPrefix(base, "app:") {
		if !strings.HasPrefix(abs, "app:") {
			segs := strings.Split(a, "/")
			if len(segs) >= 2 {
				a = strings.Join(segs[2:], "/")
			}
		}
		if b != "" {
			if a == b {
				return ""
			}
			if strings.HasPrefix(a, b+"/") {
				return a[len(b)+1:]
			}
		}
		return a
	}

	if b == "" {
		return a
	}
	if a == b {
		return ""
	}
	if strings.HasPrefix(a, b+"/") {
		return a[len(b)+1:]
	}
	return a
}

// AbsFromRel joins rel onto the remote root, keeping an alias root as is and
// anchoring a plain root at "/".
func AbsFromRel(root, rel string) string {
	base := strings.TrimRight(root, "/")
	rel = strings.TrimLeft(rel, "/")
	hasAlias := stripAlias(base) != base
	if !hasAlias && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return base + "/" + rel
}
