package types

// RequestType tags outgoing API calls for logging and error context.
type RequestType string

const (
	RequestTypeListOrSearch   RequestType = "listOrSearch"
	RequestTypeGetByID        RequestType = "getById"
	RequestTypeMutation       RequestType = "mutation"
	RequestTypeUploadInitiate RequestType = "uploadInitiate"
	RequestTypeDownload       RequestType = "download"
)

// RequestContext travels with one logical API call across retries.
type RequestContext struct {
	Profile     string
	TraceID     string
	RequestType RequestType
	Path        string
}
