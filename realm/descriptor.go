package realm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/internal/httpclient"
)

// Descriptor is a resolved realm: a named deployment carrying the content
// host, the peer services, and the comms endpoint.
type Descriptor struct {
	BaseURL string

	Configurations struct {
		RealmName   string  `json:"realmName"`
		NetworkID   int     `json:"networkId"`
		CityLoaderContentServer string `json:"cityLoaderContentServer,omitempty"`
	} `json:"configurations"`

	Content struct {
		PublicURL string `json:"publicUrl"`
	} `json:"content"`

	Lambdas struct {
		PublicURL string `json:"publicUrl"`
	} `json:"lambdas"`

	Comms struct {
		Protocol string `json:"protocol"`
		Adapter  string `json:"adapter,omitempty"`
		FixedAdapter string `json:"fixedAdapter,omitempty"`
	} `json:"comms"`
}

// Resolve fetches and parses a realm's /about document.
func Resolve(ctx context.Context, client *httpclient.Client, baseURL string) (*Descriptor, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/about", nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build about request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "realm about request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("realm about returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read about body")
	}

	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, errors.Wrap(err, "failed to parse realm descriptor")
	}
	d.BaseURL = baseURL
	return &d, nil
}

// EntitiesActiveURL is the pointer-resolution endpoint.
func (d *Descriptor) EntitiesActiveURL() string {
	return strings.TrimSuffix(d.Content.PublicURL, "/") + "/entities/active"
}

// ContentsBaseURL is the prefix opaque content hashes are fetched from.
func (d *Descriptor) ContentsBaseURL() string {
	return strings.TrimSuffix(d.Content.PublicURL, "/") + "/contents/"
}

// CommsAdapter returns the comms connection string, preferring a fixed
// adapter over the archipelago service.
func (d *Descriptor) CommsAdapter() string {
	if d.Comms.FixedAdapter != "" {
		return d.Comms.FixedAdapter
	}
	return d.Comms.Adapter
}
