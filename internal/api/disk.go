package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MozGangster/ydsync/internal/types"
	"github.com/MozGangster/ydsync/internal/utils"
)

// listFields limits listing responses to what the walker consumes
const listFields = "_embedded.items.name,_embedded.items.type,_embedded.items.path," +
	"_embedded.items.size,_embedded.items.md5,_embedded.items.sha256," +
	"_embedded.items.modified,_embedded.items.revision"

// Revision is the server-assigned version token of a file. The API sends it
// as a JSON number; strings are accepted as well.
type Revision string

func (r *Revision) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Revision(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid revision %s: %w", string(b), err)
	}
	*r = Revision(n.String())
	return nil
}

// Resource is a file or directory as returned by the resources endpoint
type Resource struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Type     string        `json:"type"`
	Size     int64         `json:"size,omitempty"`
	Modified string        `json:"modified,omitempty"`
	Created  string        `json:"created,omitempty"`
	Revision Revision      `json:"revision,omitempty"`
	MD5      string        `json:"md5,omitempty"`
	SHA256   string        `json:"sha256,omitempty"`
	Embedded *ResourceList `json:"_embedded,omitempty"`
}

// IsDir reports whether the resource is a directory
func (r Resource) IsDir() bool { return r.Type == "dir" }

// IsFile reports whether the resource is a regular file
func (r Resource) IsFile() bool { return r.Type == "file" }

// ResourceList is one page of a directory listing
type ResourceList struct {
	Path   string     `json:"path,omitempty"`
	Items  []Resource `json:"items"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
	Total  int        `json:"total"`
}

// Link is a transfer or operation URL handed out by the API
type Link struct {
	Href      string `json:"href"`
	Method    string `json:"method"`
	Templated bool   `json:"templated"`
}

// DiskInfo describes quota usage of the account
type DiskInfo struct {
	TotalSpace int64 `json:"total_space"`
	UsedSpace  int64 `json:"used_space"`
	TrashSize  int64 `json:"trash_size"`
	User       struct {
		Login       string `json:"login"`
		DisplayName string `json:"display_name"`
	} `json:"user"`
}

// GetResource fetches metadata of path, passing extra query params through
func (c *Client) GetResource(ctx context.Context, path string, params url.Values) (*Resource, error) {
	return c.getResource(ctx, path, params, types.RequestTypeGetByID)
}

func (c *Client) getResource(ctx context.Context, path string, params url.Values, requestType types.RequestType) (*Resource, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("path", path)

	var res Resource
	err := c.GetJSON(ctx, "/resources", RequestOptions{
		Query:       q,
		RequestType: requestType,
		Path:        path,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListPage returns the items of directory path in [offset, offset+limit)
func (c *Client) ListPage(ctx context.Context, path string, limit, offset int) ([]Resource, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("fields", listFields)

	res, err := c.getResource(ctx, path, q, types.RequestTypeListOrSearch)
	if err != nil {
		return nil, err
	}
	if res.Embedded == nil {
		return nil, nil
	}
	return res.Embedded.Items, nil
}

// UploadHref asks for a one-shot upload URL for path
func (c *Client) UploadHref(ctx context.Context, path string, overwrite bool) (string, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("overwrite", strconv.FormatBool(overwrite))

	var link Link
	err := c.GetJSON(ctx, "/resources/upload", RequestOptions{
		Query:       q,
		RequestType: types.RequestTypeUploadInitiate,
		Path:        path,
	}, &link)
	if err != nil {
		return "", err
	}
	return link.Href, nil
}

// DownloadHref asks for a download URL for path
func (c *Client) DownloadHref(ctx context.Context, path string) (string, error) {
	q := url.Values{}
	q.Set("path", path)

	var link Link
	err := c.GetJSON(ctx, "/resources/download", RequestOptions{
		Query:       q,
		RequestType: types.RequestTypeGetByID,
		Path:        path,
	}, &link)
	if err != nil {
		return "", err
	}
	return link.Href, nil
}

// Upload sends the payload produced by body to an upload href
func (c *Client) Upload(ctx context.Context, href string, body func() (io.ReadCloser, error), size int64) error {
	_, err := c.DoJSON(ctx, http.MethodPut, href, RequestOptions{
		Body:          body,
		ContentLength: size,
		RequestType:   types.RequestTypeMutation,
	}, nil)
	return err
}

// EnsureFolder creates path, treating "already exists" (409) as success.
// Creation is attempted once; parents must already exist.
func (c *Client) EnsureFolder(ctx context.Context, path string) error {
	q := url.Values{}
	q.Set("path", path)

	policy := c.policy.WithMaxAttempts(1).WithNonRetryable(http.StatusConflict)
	_, err := c.DoJSON(ctx, http.MethodPut, "/resources", RequestOptions{
		Query:       q,
		Policy:      &policy,
		RequestType: types.RequestTypeMutation,
		Path:        path,
	}, nil)
	if err != nil && StatusCode(err) == http.StatusConflict {
		return nil
	}
	return err
}

// Delete removes path. A non-nil Link means the server continues the
// deletion asynchronously; poll it with an OperationPoller.
func (c *Client) Delete(ctx context.Context, path string, permanently bool) (*Link, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("permanently", strconv.FormatBool(permanently))

	var link Link
	status, err := c.DoJSON(ctx, http.MethodDelete, "/resources", RequestOptions{
		Query:       q,
		RequestType: types.RequestTypeMutation,
		Path:        path,
	}, &link)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted && link.Href != "" {
		return &link, nil
	}
	return nil, nil
}

// Move renames from to path. A non-nil Link means the move is asynchronous.
func (c *Client) Move(ctx context.Context, from, path string, overwrite bool) (*Link, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("path", path)
	q.Set("overwrite", strconv.FormatBool(overwrite))

	var link Link
	status, err := c.DoJSON(ctx, http.MethodPost, "/resources/move", RequestOptions{
		Query:       q,
		RequestType: types.RequestTypeMutation,
		Path:        from,
	}, &link)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted && link.Href != "" {
		return &link, nil
	}
	return nil, nil
}

// Download opens the full content behind a download href. The caller closes the body.
func (c *Client) Download(ctx context.Context, href string) (io.ReadCloser, http.Header, error) {
	resp, err := c.Do(ctx, http.MethodGet, href, RequestOptions{
		RequestType: types.RequestTypeDownload,
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, resp.Header, nil
}

// DownloadRange requests bytes [start, end] of href. A cache-busting
// parameter keeps intermediaries from replaying a stale range.
func (c *Client) DownloadRange(ctx context.Context, href string, start, end int64) ([]byte, http.Header, error) {
	q := url.Values{}
	q.Set("_t", strconv.FormatInt(time.Now().UnixNano(), 10))

	h := http.Header{}
	h.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	return c.GetBytes(ctx, href, RequestOptions{
		Query:       q,
		Header:      h,
		RequestType: types.RequestTypeDownload,
	})
}

// DiskInfo returns account quota information
func (c *Client) DiskInfo(ctx context.Context) (*DiskInfo, error) {
	var info DiskInfo
	if err := c.GetJSON(ctx, "/", RequestOptions{RequestType: types.RequestTypeGetByID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// VerifyAccess checks that the token may write under base by requesting an
// upload URL for a probe object. Nothing is uploaded.
func (c *Client) VerifyAccess(ctx context.Context, base string) error {
	probe := strings.TrimRight(base, "/") + "/" + utils.ProbeObjectBaseName
	_, err := c.UploadHref(ctx, probe, false)
	return err
}
