package emby

import (
	"context"

	"watchsync/internal/media/embybase"
	"watchsync/internal/models"
)

type Server struct {
	*embybase.Client
}

func New(ctx context.Context, baseURL, token string, opts embybase.Options) (*Server, error) {
	client, err := embybase.New(ctx, models.ServerTypeEmby, baseURL, token, opts)
	if err != nil {
		return nil, err
	}
	return &Server{Client: client}, nil
}
