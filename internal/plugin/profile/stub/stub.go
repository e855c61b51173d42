// Package stub is the profile directory used when no external profile
// service is configured: every lookup yields an id-only profile.
package stub

import (
	"context"

	"github.com/chatline/chat-service/internal/registry/profile"
)

func init() {
	profile.Register(profile.Plugin{
		Name: "stub",
		Loader: func(ctx context.Context) (profile.Directory, error) {
			return &stubDirectory{}, nil
		},
	})
}

type stubDirectory struct{}

func (s *stubDirectory) GetPublicProfile(_ context.Context, id string) (profile.PublicProfile, error) {
	return profile.Stub(id), nil
}

var _ profile.Directory = (*stubDirectory)(nil)
