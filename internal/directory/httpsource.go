package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"deskbridge/api/internal/rest"
)

// HTTPSource fetches tenant account exports from the account directory
// service.
type HTTPSource struct {
	api *rest.Client
}

func NewHTTPSource(baseURL, apiKey string, httpClient *http.Client) *HTTPSource {
	authorize := func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return &HTTPSource{api: rest.NewClient(baseURL, authorize, httpClient)}
}

// TenantAccounts returns every account of the tenant, straight from the
// directory's bulk export endpoint.
func (s *HTTPSource) TenantAccounts(ctx context.Context, tenant string) ([]Account, error) {
	var out []Account
	path := "/tenants/" + url.PathEscape(tenant) + "/accounts"
	if err := s.api.DoJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("directory: fetch accounts of %s: %w", tenant, err)
	}
	for i := range out {
		out[i].Tenant = tenant
	}
	return out, nil
}
