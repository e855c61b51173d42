// Package httpprofile resolves public profiles from an external HTTP profile
// service. Lookups are best-effort: any failure degrades to an id-only stub
// so thread and message reads never block on the profile service.
package httpprofile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/chatline/chat-service/internal/config"
	registryprofile "github.com/chatline/chat-service/internal/registry/profile"
)

func init() {
	registryprofile.Register(registryprofile.Plugin{
		Name:   "http",
		Loader: load,
	})
}

func load(ctx context.Context) (registryprofile.Directory, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.ProfileBaseURL == "" {
		return nil, fmt.Errorf("httpprofile: PROFILE_BASE_URL is required")
	}
	base, err := url.Parse(cfg.ProfileBaseURL)
	if err != nil {
		return nil, fmt.Errorf("httpprofile: invalid base URL: %w", err)
	}
	return &HTTPDirectory{
		base:   base,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

type HTTPDirectory struct {
	base   *url.URL
	client *http.Client
}

// NewWithClient creates a directory with an explicit base URL and client.
// Used by tests.
func NewWithClient(base *url.URL, client *http.Client) *HTTPDirectory {
	return &HTTPDirectory{base: base, client: client}
}

func (d *HTTPDirectory) GetPublicProfile(ctx context.Context, id string) (registryprofile.PublicProfile, error) {
	u := d.base.JoinPath("users", url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return registryprofile.Stub(id), err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return registryprofile.Stub(id), err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Unknown users are not an error, just a stub.
		if resp.StatusCode == http.StatusNotFound {
			return registryprofile.Stub(id), nil
		}
		return registryprofile.Stub(id), fmt.Errorf("httpprofile: unexpected status %d", resp.StatusCode)
	}

	var profile registryprofile.PublicProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return registryprofile.Stub(id), err
	}
	profile.ID = id
	return profile, nil
}

var _ registryprofile.Directory = (*HTTPDirectory)(nil)
