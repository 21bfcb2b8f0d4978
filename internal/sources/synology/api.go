package synology

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/sources"
)

const (
	entryPath = "/webapi/entry.cgi"

	apiBrowseItem = "SYNO.Foto.Browse.Item"
	apiDownload   = "SYNO.Foto.Download"
	apiLogin      = "SYNO.Core.Sharing.Login"

	// maxErrorBody bounds how much of a JSON error body is read in place of content
	maxErrorBody = 64 * 1024
)

// DSM error codes that mean the caller is not allowed in
var authErrorCodes = []int{105, 106, 107, 119}

// APIError is a failure reported in the body of a DSM web API response
type APIError struct {
	API  string
	Code int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed with error code %d", e.API, e.Code)
}

// IsAuth reports whether the code denotes a missing, expired or rejected session
func (e *APIError) IsAuth() bool {
	return slices.Contains(authErrorCodes, e.Code)
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code int `json:"code"`
	} `json:"error,omitempty"`
}

type listData struct {
	List  []listItem `json:"list"`
	Total int        `json:"total"`
}

type listItem struct {
	ID       json.Number `json:"id"`
	Filename string      `json:"filename"`
	Filesize int64       `json:"filesize"`
	Type     string      `json:"type"`
	Time     int64       `json:"time"`
}

func (i listItem) toEntry() catalog.RemoteEntry {
	entry := catalog.RemoteEntry{
		ID:       i.ID.String(),
		Filename: i.Filename,
		Kind:     catalog.ParseMediaKind(i.Type),
		SizeHint: i.Filesize,
	}
	if i.Time > 0 {
		entry.TakenAt = time.Unix(i.Time, 0).UTC()
	}
	return entry
}

// decodeResponse parses a DSM envelope and maps unsuccessful responses to source errors
func decodeResponse(api, op string, body []byte) (*apiResponse, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &sources.NetworkError{Op: op, Err: fmt.Errorf("malformed %s response: %w", api, err)}
	}
	if resp.Success {
		return &resp, nil
	}

	apiErr := &APIError{API: api}
	if resp.Error != nil {
		apiErr.Code = resp.Error.Code
	}
	if apiErr.IsAuth() || api == apiLogin {
		return nil, &sources.AuthError{Message: op + " was refused", Code: apiErr.Code, Err: apiErr}
	}
	return nil, &sources.NetworkError{Op: op, Err: apiErr}
}

func itemIDList(id string) string {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return "[" + id + "]"
	}
	return "[" + strconv.Quote(id) + "]"
}
