package synology

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strconv"
	"time"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/httpclient"
	"github.com/stacklok/frame-sync/internal/sources"
)

type session struct {
	client     httpclient.Client
	ref        *ShareRef
	passphrase string
	expiresAt  time.Time
	now        func() time.Time
}

func (s *session) ExpiresAt() time.Time {
	return s.expiresAt
}

func (s *session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *session) checkExpired(op string) error {
	if !s.now().Before(s.expiresAt) {
		return &sources.AuthError{Message: op + ": session expired at " + s.expiresAt.Format(time.RFC3339)}
	}
	return nil
}

func (s *session) form(api, method, version string) url.Values {
	return url.Values{
		"api":         {api},
		"method":      {method},
		"version":     {version},
		"passphrase":  {s.passphrase},
		"_sharing_id": {s.ref.Token},
	}
}

// ListPage lists one page of the album ordered by capture time ascending
func (s *session) ListPage(ctx context.Context, offset, limit int) (*catalog.Page, error) {
	const op = "list catalog"
	if err := s.checkExpired(op); err != nil {
		return nil, err
	}

	form := s.form(apiBrowseItem, "list", "4")
	form.Set("offset", strconv.Itoa(offset))
	form.Set("limit", strconv.Itoa(limit))
	form.Set("sort_by", "takentime")
	form.Set("sort_direction", "asc")

	body, err := s.client.PostForm(ctx, s.ref.BaseURL+entryPath, form)
	if err != nil {
		return nil, sources.ClassifyHTTPError(ctx, op, err)
	}

	resp, err := decodeResponse(apiBrowseItem, op, body)
	if err != nil {
		return nil, err
	}

	var data listData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return nil, &sources.NetworkError{Op: op, Err: fmt.Errorf("malformed listing data: %w", err)}
		}
	}

	page := &catalog.Page{
		Entries: make([]catalog.RemoteEntry, 0, len(data.List)),
		Total:   data.Total,
	}
	for _, item := range data.List {
		if item.ID.String() == "" {
			continue
		}
		page.Entries = append(page.Entries, item.toEntry())
	}
	return page, nil
}

// Fetch opens the original file of entry for streaming
func (s *session) Fetch(ctx context.Context, entry catalog.RemoteEntry) (*sources.Content, error) {
	op := "download item " + entry.ID
	if err := s.checkExpired(op); err != nil {
		return nil, err
	}

	form := s.form(apiDownload, "download", "2")
	form.Set("item_id", itemIDList(entry.ID))
	form.Set("download_type", "source")
	form.Set("force_download", "true")

	resp, err := s.client.StreamForm(ctx, s.ref.BaseURL+entryPath, form)
	if err != nil {
		return nil, sources.ClassifyHTTPError(ctx, op, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, _ := mime.ParseMediaType(contentType); mediaType == "application/json" {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return nil, &sources.NetworkError{Op: op, Err: readErr}
		}
		if _, err := decodeResponse(apiDownload, op, body); err != nil {
			return nil, err
		}
		return nil, &sources.NetworkError{Op: op, Err: fmt.Errorf("server returned JSON instead of content")}
	}

	return &sources.Content{
		Body:        resp.Body,
		Length:      resp.ContentLength,
		ContentType: contentType,
	}, nil
}
