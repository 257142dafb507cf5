package cmd

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/bucket/internal/manifest"
	"github.com/tanq16/bucket/internal/utils"
)

// resolveManifest loads the manifest from source when given, otherwise asks
// the server, discovering the latest version if none was named.
func resolveManifest(ctx context.Context, distribution, version, source string) (manifest.Manifest, string, error) {
	if source != "" {
		m, err := manifest.Load(ctx, source, cfg.HTTPClientConfig(utils.ParseHeaderArgs(headers)))
		if err != nil {
			return nil, "", err
		}
		if version == "" {
			if versions := m.Versions(); len(versions) > 0 {
				version = versions[0]
			}
		}
		log.Debug().Str("op", "cmd/manifest").Msgf("Loaded manifest from %s with %d files", source, len(m))
		return m, version, nil
	}

	client, err := newRemoteClient()
	if err != nil {
		return nil, "", err
	}
	if version == "" {
		version, err = client.LatestVersion(ctx, distribution)
		if err != nil {
			return nil, "", err
		}
	}
	m, err := client.Manifest(ctx, distribution, version)
	if err != nil {
		return nil, "", err
	}
	if len(m) == 0 {
		return nil, "", errors.New("manifest lists no files")
	}
	return m, version, nil
}

func distributionArgs(args []string) (string, string) {
	if len(args) > 1 {
		return args[0], args[1]
	}
	return args[0], ""
}
