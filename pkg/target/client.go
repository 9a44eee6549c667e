package target

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/AmenZhou/shelfsync/pkg/fingerprint"
	"github.com/AmenZhou/shelfsync/pkg/metadata"
)

// Client is the HTTP client for the ingestion service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// New creates a new service client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithToken returns a new client carrying the given token.
func (c *Client) WithToken(token string) *Client {
	return &Client{
		baseURL:    c.baseURL,
		httpClient: c.httpClient,
		token:      token,
	}
}

// SetToken sets the authentication token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SetUploadTimeout overrides the per-request timeout. Uploads of large
// archives over slow links need more than the 30s default.
func (c *Client) SetUploadTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// LoginRequest represents a login request.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse represents the response from the login endpoint.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Login authenticates with the service and stores the returned token.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenResponse, error) {
	req := LoginRequest{Username: username, Password: password}

	var resp TokenResponse
	if err := c.post(ctx, "/api/v1/auth/login", req, &resp); err != nil {
		return nil, err
	}
	c.token = resp.AccessToken
	return &resp, nil
}

// Ping verifies the service is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/api/v1/health", nil)
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

// Exists asks the service whether it already holds a file with this
// fingerprint.
func (c *Client) Exists(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	path := fmt.Sprintf("/api/v1/files/exists?hash=%s&size=%d", url.QueryEscape(fp.Hash), fp.Size)

	var resp existsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// AllFingerprints streams the service's full fingerprint listing to fn as
// newline-delimited JSON. The stream can run to millions of rows, so rows are
// handed over one at a time instead of being buffered.
func (c *Client) AllFingerprints(ctx context.Context, fn func(fingerprint.Fingerprint) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/files/fingerprints", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// The default client timeout would cut the stream short.
	client := &http.Client{Timeout: 0}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fingerprint stream failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return c.decodeError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row struct {
			Hash string `json:"hash"`
			Size int64  `json:"size"`
		}
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("malformed fingerprint row: %w", err)
		}
		if err := fn(fingerprint.Fingerprint{Hash: row.Hash, Size: row.Size}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("fingerprint stream interrupted: %w", err)
	}
	return nil
}

// uploadManifest is the metadata envelope sent alongside (or instead of) the
// file bytes.
type uploadManifest struct {
	Hash        string          `json:"hash"`
	Size        int64           `json:"size"`
	Meta        metadata.Record `json:"meta"`
	LibraryPath string          `json:"library_path,omitempty"`
}

// Upload transfers one file. When req.LibraryPath is set the service reads
// the file from shared storage itself and only the manifest goes over the
// wire; otherwise the bytes are streamed as multipart form data.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	manifest := uploadManifest{
		Hash:        req.Fingerprint.Hash,
		Size:        req.Fingerprint.Size,
		Meta:        req.Meta,
		LibraryPath: req.LibraryPath,
	}

	var result UploadResult
	if req.LibraryPath != "" {
		if err := c.post(ctx, "/api/v1/files/link", manifest, &result); err != nil {
			return classifyUploadError(err)
		}
		return result, nil
	}

	if err := c.uploadMultipart(ctx, manifest, req.FilePath, &result); err != nil {
		return classifyUploadError(err)
	}
	return result, nil
}

// classifyUploadError maps a service rejection to an UploadResult where the
// rejection is a legitimate terminal outcome rather than a transport failure.
func classifyUploadError(err error) (UploadResult, error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsDuplicate():
			return UploadResult{Status: StatusDuplicate, Message: apiErr.Message}, nil
		case apiErr.Code == "SIZE_REJECTED" || apiErr.StatusCode == http.StatusRequestEntityTooLarge:
			return UploadResult{Status: StatusSizeRejected, Message: apiErr.Message}, nil
		case apiErr.Code == "VALIDATION_ERROR" || apiErr.StatusCode == http.StatusUnprocessableEntity:
			return UploadResult{Status: StatusValidationRejected, Message: apiErr.Message}, nil
		}
	}
	return UploadResult{Status: StatusServerError}, err
}

func (c *Client) uploadMultipart(ctx context.Context, manifest uploadManifest, filePath string, result *UploadResult) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file for upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer func() { _ = pw.Close() }()

		metaPart, err := mw.CreateFormField("manifest")
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if err := json.NewEncoder(metaPart).Encode(manifest); err != nil {
			_ = pw.CloseWithError(err)
			return
		}

		filePart, err := mw.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(filePart, f); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/files/upload", pr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return c.decodeError(resp.StatusCode, body)
	}
	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// do performs an HTTP request and decodes the response.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.decodeError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) decodeError(status int, body []byte) error {
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		apiErr.StatusCode = status
		return &apiErr
	}
	return &APIError{StatusCode: status, Message: string(body)}
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// post performs a POST request.
func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}
