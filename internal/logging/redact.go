package logging

import "regexp"

const redacted = "[REDACTED]"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Ordered: header rules run before the generic authorization catch-all.
var redactRules = []redactRule{
	// Disk expects "Authorization: OAuth <token>"; Bearer shows up from oauth2 transports
	{regexp.MustCompile(`\b(OAuth|Bearer)\s+[A-Za-z0-9\-._~+/]+=*`), "$1 " + redacted},
	// implicit-grant redirect fragments and token endpoint form bodies
	{regexp.MustCompile(`\b(access_token|refresh_token|client_secret|code)=[^&\s"']+`), "$1=" + redacted},
	// token endpoint JSON responses
	{regexp.MustCompile(`"(access_token|refresh_token|client_secret)"\s*:\s*"[^"]*"`), `"$1":"` + redacted + `"`},
	{regexp.MustCompile(`\b(YDSYNC_TOKEN|YDSYNC_CLIENT_SECRET)=\S+`), "$1=" + redacted},
	{regexp.MustCompile(`(?i)\bauthorization["']?\s*[:=]\s*["']?(?:OAuth|Bearer)?\s*[^\s"',]+`), "Authorization: " + redacted},
	// uploader/downloader hrefs are signed and usable without a token
	{regexp.MustCompile(`(https://(?:uploader|downloader)[A-Za-z0-9.\-]*\.(?:yandex\.net|yandex\.ru|disk\.yandex\.[a-z]+)(?::\d+)?)/[^\s"']*`), "$1/" + redacted},
}

// Redact masks OAuth tokens, client secrets and signed transfer links in s.
func Redact(s string) string {
	for _, r := range redactRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
