// Package remote talks to the distribution server: context and chunk
// requests, version and manifest discovery, and the auth handshake.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/bucket/internal/manifest"
	"github.com/tanq16/bucket/internal/utils"
)

const (
	pathContext   = "/api/v2/client/context"
	pathChunk     = "/api/v2/client/chunk"
	pathVersions  = "/api/v1/client/game/versions"
	pathManifest  = "/api/v1/client/game/manifest"
	pathInitiate  = "/api/v1/client/auth/initiate"
	pathHandshake = "/api/v1/client/auth/handshake"
)

type Client struct {
	base     *url.URL
	http     utils.HTTPDoer
	clientID string
	signer   Signer
	now      func() time.Time
}

// ChunkResponse is a streamed chunk reply. Lengths comes from the
// Content-Lengths header; the caller must close Body.
type ChunkResponse struct {
	Lengths []int64
	Body    io.ReadCloser
}

func NewClient(cred Credential, httpCfg utils.HTTPClientConfig) (*Client, error) {
	if !cred.Valid() {
		return nil, ErrNoCredential
	}
	signer, err := NewKeySigner(cred.Private)
	if err != nil {
		return nil, err
	}
	return NewClientWithSigner(cred.Remote, cred.ClientID, signer, utils.NewBucketHTTPClient(httpCfg))
}

func NewClientWithSigner(remote, clientID string, signer Signer, doer utils.HTTPDoer) (*Client, error) {
	base, err := url.Parse(remote)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL: %v", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", base.Scheme)
	}
	return &Client{
		base:     base,
		http:     doer,
		clientID: clientID,
		signer:   signer,
		now:      time.Now,
	}, nil
}

func endpoint(base *url.URL, path string, query url.Values) string {
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint(c.base, path, query), reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	auth, err := AuthorizationHeader(c.clientID, c.signer, c.now())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	return req, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: error parsing response: %w", op, err)
	}
	return nil
}

// Context requests the opaque token authorizing chunk requests for one
// version.
func (c *Client) Context(ctx context.Context, distribution, version string) (DownloadContext, error) {
	var dctx DownloadContext
	err := c.doJSON(ctx, "download context", http.MethodPost, pathContext, nil, contextBody{Game: distribution, Version: version}, &dctx)
	return dctx, err
}

// Chunk requests the given drops in order. On success the body streams the
// drops' bytes back to back.
func (c *Client) Chunk(ctx context.Context, dctx DownloadContext, drops []manifest.Drop) (*ChunkResponse, error) {
	body := chunkBody{Context: dctx.Context, Files: make([]chunkBodyFile, 0, len(drops))}
	for _, d := range drops {
		body.Files = append(body.Files, chunkBodyFile{Filename: d.Filename, ChunkIndex: d.Index})
	}
	req, err := c.newRequest(ctx, http.MethodPost, pathChunk, nil, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chunk request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("chunk request", resp)
	}
	header := resp.Header.Get(HeaderContentLengths)
	if header == "" {
		resp.Body.Close()
		return nil, ErrMissingLengths
	}
	lengths, err := ParseContentLengths(header)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &ChunkResponse{Lengths: lengths, Body: resp.Body}, nil
}

// ParseContentLengths parses a comma separated list of byte lengths.
func ParseContentLengths(header string) ([]int64, error) {
	parts := strings.Split(header, ",")
	lengths := make([]int64, 0, len(parts))
	for i, raw := range parts {
		length, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("invalid %s value %q at position %d", HeaderContentLengths, raw, i)
		}
		lengths = append(lengths, length)
	}
	return lengths, nil
}

func (c *Client) Versions(ctx context.Context, distribution string) ([]Version, error) {
	var versions []Version
	err := c.doJSON(ctx, "version discovery", http.MethodGet, pathVersions, url.Values{"id": {distribution}}, nil, &versions)
	return versions, err
}

// LatestVersion returns the first version the server lists.
func (c *Client) LatestVersion(ctx context.Context, distribution string) (string, error) {
	versions, err := c.Versions(ctx, distribution)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("%w for %s", ErrNoVersions, distribution)
	}
	log.Info().Str("op", "remote/versions").Msgf("Found %q as latest version", versions[0].VersionName)
	return versions[0].VersionName, nil
}

func (c *Client) Manifest(ctx context.Context, distribution, version string) (manifest.Manifest, error) {
	var m manifest.Manifest
	query := url.Values{"id": {distribution}, "version": {version}}
	if err := c.doJSON(ctx, "manifest fetch", http.MethodGet, pathManifest, query, nil, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Initiate starts the auth flow and returns the URL the user must open.
func Initiate(ctx context.Context, server string, doer utils.HTTPDoer) (string, error) {
	base, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %v", err)
	}
	payload, _ := json.Marshal(initiateBody{
		Name:         utils.ToolUserAgent,
		Platform:     runtime.GOOS,
		Capabilities: map[string]struct{}{},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(base, pathInitiate, nil), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := doer.Do(req)
	if err != nil {
		return "", fmt.Errorf("error initiating auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("auth initiate", resp)
	}
	callback, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	// The callback may carry its own query string, so it is appended verbatim.
	return strings.TrimSuffix(base.String(), "/") + "/" + strings.TrimPrefix(strings.TrimSpace(string(callback)), "/"), nil
}

// Handshake exchanges the "clientId/token" pair shown by the server for a
// signing credential.
func Handshake(ctx context.Context, server, handshake string, doer utils.HTTPDoer) (Credential, error) {
	parts := strings.Split(strings.TrimSpace(handshake), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Credential{}, fmt.Errorf("handshake is expected to be in format CLIENT_ID/TOKEN")
	}
	base, err := url.Parse(server)
	if err != nil {
		return Credential{}, fmt.Errorf("invalid server URL: %v", err)
	}
	payload, _ := json.Marshal(handshakeBody{ClientID: parts[0], Token: parts[1]})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(base, pathHandshake, nil), bytes.NewReader(payload))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := doer.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("error completing handshake: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credential{}, statusError("handshake", resp)
	}
	var hr handshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return Credential{}, fmt.Errorf("error parsing handshake response: %w", err)
	}
	return Credential{
		Remote:   server,
		Private:  hr.Private,
		Public:   hr.Certificate,
		ClientID: hr.ID,
	}, nil
}
