// Package backend is the HTTP client for the chatbot backend's admin file
// API. The backend is an external collaborator: it owns uploads, training
// and the authoritative file listing; this client only speaks its REST
// surface.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/ait-lab/filestaging/internal/model"
	"github.com/ait-lab/filestaging/internal/staging"
)

// TokenProvider returns the bearer token for authenticated requests. May be
// nil when the backend runs without auth (local development).
type TokenProvider func(ctx context.Context) (string, error)

// Client talks to the admin file endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenProvider
}

// New creates a client for the given base URL, e.g.
// "http://localhost:8000/api/v1".
func New(baseURL string, token TokenProvider) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		token:      token,
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// UploadFiles sends the batch as one multipart request, every payload under
// the "files" field, and returns the server-issued upload batch id. The
// backend acknowledges with 200, 201 or 202.
func (c *Client) UploadFiles(ctx context.Context, items []staging.BatchItem) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, item := range items {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`,
			quoteEscaper.Replace(item.Metadata.RelativePath)))
		h.Set("Content-Type", item.Metadata.MimeType)
		part, err := writer.CreatePart(h)
		if err != nil {
			return "", fmt.Errorf("create multipart part: %w", err)
		}
		if _, err := part.Write(item.Payload); err != nil {
			return "", fmt.Errorf("write multipart part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/admin/file/upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return "", fmt.Errorf("upload rejected: %s", readError(resp))
	}
	var ack struct {
		UploadID string `json:"uploadID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode upload ack: %w", err)
	}
	if ack.UploadID == "" {
		return "", fmt.Errorf("upload ack missing uploadID")
	}
	return ack.UploadID, nil
}

// ListFiles fetches the server-confirmed file descriptors.
func (c *Client) ListFiles(ctx context.Context) ([]model.ServerFile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/file/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list files request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list files: %s", readError(resp))
	}
	var files []model.ServerFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return files, nil
}

// DeleteFile removes a server-side file. This is distinct from local
// removal: the staged copy, if any, is untouched.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/admin/file/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete file request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete file: %s", readError(resp))
	}
	return nil
}

// DownloadFile streams a server-side file's bytes. The caller must close the
// reader.
func (c *Client) DownloadFile(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/file/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("download file: %s", readError(resp))
	}
	return resp.Body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, msg)
}
