package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/bucket/internal/utils"
)

// Load reads a manifest from a local path, an http(s) URL or an
// s3://bucket/key location.
func Load(ctx context.Context, source string, httpCfg utils.HTTPClientConfig) (Manifest, error) {
	var data []byte
	var err error
	switch {
	case strings.HasPrefix(source, "s3://"):
		data, err = loadS3(ctx, source)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		data, err = loadHTTP(ctx, source, httpCfg)
	default:
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading manifest %s: %w", source, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func loadHTTP(ctx context.Context, link string, httpCfg utils.HTTPClientConfig) ([]byte, error) {
	client := utils.NewBucketHTTPClient(httpCfg)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func parseS3URL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("expected s3://BUCKET/KEY, got %s", raw)
	}
	return u.Host, key, nil
}

func loadS3(ctx context.Context, raw string) ([]byte, error) {
	bucket, key, err := parseS3URL(raw)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMode("adaptive"))
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	downloader := manager.NewDownloader(s3.NewFromConfig(cfg))
	buffer := manager.NewWriteAtBuffer(nil)
	n, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("error getting object: %v", err)
	}
	log.Debug().Str("op", "manifest/s3").Msgf("Fetched %d manifest bytes from s3://%s/%s", n, bucket, key)
	return buffer.Bytes(), nil
}
