package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"texrender/internal/adapters/storage/gdrive"
	"texrender/internal/adapters/storage/localfs"
	"texrender/internal/adapters/storage/s3"
	"texrender/internal/config"
)

// NewProvider builds the artifact store selected by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("storage: local_root is required for localfs")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)

	case "s3":
		return s3.New(ctx, s3.Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// GDriveOAuthConfig is shared with the gdrive-auth command that mints the
// refresh token.
func GDriveOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}
}

func newGDriveProvider(ctx context.Context, cfg config.GDriveConfig) (Provider, error) {
	var missing []string
	for k, v := range map[string]string{
		"GDRIVE_CLIENT_ID":     cfg.ClientID,
		"GDRIVE_CLIENT_SECRET": cfg.ClientSecret,
		"GDRIVE_REFRESH_TOKEN": cfg.RefreshToken,
	} {
		if v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("storage: gdrive requires %v", missing)
	}

	conf := GDriveOAuthConfig(cfg.ClientID, cfg.ClientSecret)
	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	// The token source refreshes lazily on first use, so a background
	// context keeps the client usable after ctx ends.
	httpClient := conf.Client(context.WithoutCancel(ctx), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("storage: drive service: %w", err)
	}

	return gdrive.NewClient(srv, cfg.FolderID), nil
}
