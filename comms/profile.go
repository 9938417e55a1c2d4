package comms

import (
	"context"
	"io"
	"net/http"

	"github.com/orbisworld/orbis/errors"
	"github.com/orbisworld/orbis/identity"
	"github.com/orbisworld/orbis/internal/httpclient"
)

// LambdaProfileFetcher resolves peer profiles from the realm's lambda
// endpoint.
type LambdaProfileFetcher struct {
	BaseURL string
	Client  *httpclient.Client
}

// FetchProfile implements ProfileFetcher.
func (f *LambdaProfileFetcher) FetchProfile(ctx context.Context, address identity.Address) (*Profile, error) {
	url := f.BaseURL + "/profiles/" + address.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build profile request")
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "profile request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("profile request returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read profile body")
	}

	profile, err := ParseProfile(string(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse profile")
	}
	return profile, nil
}
