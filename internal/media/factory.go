package media

import (
	"context"
	"fmt"

	"watchsync/internal/config"
	"watchsync/internal/media/emby"
	"watchsync/internal/media/embybase"
	"watchsync/internal/media/jellyfin"
	"watchsync/internal/media/plex"
	"watchsync/internal/models"
)

// Options carries the connection and identifier-generation switches shared by
// every driver.
type Options struct {
	SSLBypass         bool
	GenerateGUIDs     bool
	GenerateLocations bool
}

// NewServer connects a driver for one configured server. Connecting validates
// credentials and resolves the machine identifier.
func NewServer(ctx context.Context, cfg config.ServerConfig, opts Options) (Server, error) {
	switch cfg.Type {
	case models.ServerTypePlex:
		return plex.New(ctx, plex.Config{
			BaseURL:           cfg.BaseURL,
			Token:             cfg.Token,
			Username:          cfg.Username,
			Password:          cfg.Password,
			ServerName:        cfg.ServerName,
			SSLBypass:         opts.SSLBypass,
			GenerateGUIDs:     opts.GenerateGUIDs,
			GenerateLocations: opts.GenerateLocations,
		})
	case models.ServerTypeEmby:
		return emby.New(ctx, cfg.BaseURL, cfg.Token, baseOptions(opts))
	case models.ServerTypeJellyfin:
		return jellyfin.New(ctx, cfg.BaseURL, cfg.Token, baseOptions(opts))
	default:
		return nil, fmt.Errorf("unsupported server type: %s", cfg.Type)
	}
}

func baseOptions(opts Options) embybase.Options {
	return embybase.Options{
		SSLBypass:         opts.SSLBypass,
		GenerateGUIDs:     opts.GenerateGUIDs,
		GenerateLocations: opts.GenerateLocations,
	}
}
