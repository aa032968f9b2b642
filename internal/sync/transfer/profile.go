package transfer

import "github.com/MozGangster/ydsync/internal/utils"

// Profile sets how files move between the two sides. It replaces any
// runtime sensing of the environment: callers decide up front whether large
// downloads are fetched in ranges.
type Profile struct {
	ChunkSize           int64
	UploadConcurrency   int
	DownloadConcurrency int
	ChunkingEnabled     bool
	// VerifyChecksums fails a download whose MD5 differs from the listing
	VerifyChecksums bool
}

func DefaultProfile() Profile {
	return Profile{
		ChunkSize:           utils.DefaultChunkSize,
		UploadConcurrency:   utils.DefaultUploadConcurrency,
		DownloadConcurrency: utils.DefaultDownloadConcurrency,
		ChunkingEnabled:     true,
	}
}

// Chunked reports whether a file of size bytes is fetched in ranges
func (p Profile) Chunked(size int64) bool {
	return p.ChunkingEnabled && p.chunkSize() > 0 && size > p.chunkSize()
}

func (p Profile) chunkSize() int64 {
	if p.ChunkSize <= 0 {
		return utils.DefaultChunkSize
	}
	return p.ChunkSize
}
