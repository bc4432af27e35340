package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultProviderAPI is the DigitalOcean droplet actions endpoint.
const DefaultProviderAPI = "https://api.digitalocean.com/v2"

// DropletProvider reboots nodes through the DigitalOcean droplet API.
type DropletProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewDropletProvider builds a provider against baseURL (DefaultProviderAPI
// when empty) authenticated with the given API token.
func NewDropletProvider(baseURL, token string) *DropletProvider {
	if baseURL == "" {
		baseURL = DefaultProviderAPI
	}
	return &DropletProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// RebootNode issues a power-cycle action for the droplet.
func (p *DropletProvider) RebootNode(ctx context.Context, dropletID string) error {
	url := fmt.Sprintf("%s/droplets/%s/actions", p.baseURL, dropletID)
	body := bytes.NewBufferString(`{"type":"reboot"}`)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("reboot droplet %s: %w", dropletID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reboot droplet %s: provider returned %d", dropletID, resp.StatusCode)
	}
	return nil
}
