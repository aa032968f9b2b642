package exclude

import (
	"regexp"
	"strings"
)

// Filter decides which relative paths belong to the sync scope. Both sides
// are filtered with the same rules so they agree on what exists.
type Filter struct {
	patterns   []*regexp.Regexp
	extensions map[string]bool
	maxBytes   int64
}

func DefaultPatterns() []string {
	return []string{
		".obsidian/**",
		"**/.trash/**",
	}
}

func New(patterns, excludeExtensions []string, maxSizeMB int) *Filter {
	f := &Filter{extensions: make(map[string]bool)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f.patterns = append(f.patterns, GlobToRegexp(p))
	}
	for _, ext := range excludeExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			f.extensions[ext] = true
		}
	}
	if maxSizeMB > 0 {
		f.maxBytes = int64(maxSizeMB) * 1024 * 1024
	}
	return f
}

// GlobToRegexp compiles a glob where ** crosses directories, * and ? do not.
func GlobToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Ext returns the lowercased text after the last dot of name, or "".
func Ext(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

func (f *Filter) IsIgnored(rel string) bool {
	if f == nil {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

func (f *Filter) Allow(rel string, size int64) bool {
	if f == nil {
		return true
	}
	if f.IsIgnored(rel) {
		return false
	}
	if f.extensions[Ext(rel)] {
		return false
	}
	if f.maxBytes > 0 && size > f.maxBytes {
		return false
	}
	return true
}

// AllowLocal applies the filter to a local record
func (f *Filter) AllowLocal(rel string, size int64) bool {
	return f.Allow(rel, size)
}

// AllowRemote applies the filter to a listed remote file
func (f *Filter) AllowRemote(rel string, size int64) bool {
	return f.Allow(rel, size)
}
