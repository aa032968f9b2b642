package diff

import (
	"fmt"

	"github.com/MozGangster/ydsync/internal/sync/scanner"
)

type Kind string

const (
	KindUpload       Kind = "upload"
	KindDownload     Kind = "download"
	KindConflict     Kind = "conflict"
	KindRemoteDelete Kind = "remote-delete"
	KindLocalDelete  Kind = "local-delete"
)

type Mode string

const (
	ModeTwoWay   Mode = "two-way"
	ModeUpload   Mode = "upload"
	ModeDownload Mode = "download"
)

// CanUpload reports whether local to remote transfers are allowed
func (m Mode) CanUpload() bool { return m != ModeDownload }

// CanDownload reports whether remote to local transfers are allowed
func (m Mode) CanDownload() bool { return m != ModeUpload }

type DeletePolicy string

const (
	DeleteMirror DeletePolicy = "mirror"
	DeleteSkip   DeletePolicy = "skip"
)

// Operation is one element of a plan. The set of implementations is closed.
type Operation interface {
	Kind() Kind
	RelPath() string
	isOperation()
}

type Upload struct {
	Rel          string
	Local        scanner.LocalFile
	RemoteTarget string
}

type Download struct {
	Rel          string
	RemoteSource string
	Remote       scanner.RemoteFile
}

type Conflict struct {
	Rel    string
	Local  scanner.LocalFile
	Remote scanner.RemoteFile
}

type RemoteDelete struct {
	Rel          string
	RemoteTarget string
}

type LocalDelete struct {
	Rel    string
	Handle string
}

func (Upload) Kind() Kind       { return KindUpload }
func (Download) Kind() Kind     { return KindDownload }
func (Conflict) Kind() Kind     { return KindConflict }
func (RemoteDelete) Kind() Kind { return KindRemoteDelete }
func (LocalDelete) Kind() Kind  { return KindLocalDelete }

func (o Upload) RelPath() string       { return o.Rel }
func (o Download) RelPath() string     { return o.Rel }
func (o Conflict) RelPath() string     { return o.Rel }
func (o RemoteDelete) RelPath() string { return o.Rel }
func (o LocalDelete) RelPath() string  { return o.Rel }

func (Upload) isOperation()       {}
func (Download) isOperation()     {}
func (Conflict) isOperation()     {}
func (RemoteDelete) isOperation() {}
func (LocalDelete) isOperation()  {}

// Priority orders operations competing for the same path: conflicts beat
// deletes, deletes beat transfers.
func Priority(op Operation) int {
	switch op.(type) {
	case Conflict:
		return 3
	case RemoteDelete, LocalDelete:
		return 2
	case Upload, Download:
		return 1
	}
	return 0
}

// Describe renders op as a single plan line
func Describe(op Operation) string {
	switch o := op.(type) {
	case Upload:
		return fmt.Sprintf("upload %s -> %s", o.Rel, o.RemoteTarget)
	case Download:
		return fmt.Sprintf("download %s <- %s", o.Rel, o.RemoteSource)
	case Conflict:
		return fmt.Sprintf("conflict %s", o.Rel)
	case RemoteDelete:
		return fmt.Sprintf("remote-delete %s (%s)", o.Rel, o.RemoteTarget)
	case LocalDelete:
		return fmt.Sprintf("local-delete %s", o.Rel)
	}
	return fmt.Sprintf("unknown %s", op.RelPath())
}
