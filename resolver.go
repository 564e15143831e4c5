package webmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Resolver turns an address into coordinates through an upstream geocoder.
//
// Implementations return an error wrapping ErrNotFound when the upstream has
// no match, and any other error (ideally a *TransientError) for failures that
// may succeed on retry.
type Resolver interface {
	Resolve(ctx context.Context, address string) (Coordinate, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, address string) (Coordinate, error)

// Resolve calls f(ctx, address).
func (f ResolverFunc) Resolve(ctx context.Context, address string) (Coordinate, error) {
	return f(ctx, address)
}

// DefaultNominatimURL is the public OpenStreetMap Nominatim endpoint.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// defaultUserAgent identifies the client; the Nominatim usage policy requires one.
const defaultUserAgent = "web-map/1.0 (film locations cache builder)"

// NominatimResolver geocodes addresses with the Nominatim search API.
// Requests are paced by a token bucket, one per second by default, which is
// the public instance's usage policy. Safe for concurrent use.
type NominatimResolver struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NominatimOption configures a NominatimResolver.
type NominatimOption func(*NominatimResolver)

// WithBaseURL points the resolver at another Nominatim instance.
func WithBaseURL(u string) NominatimOption {
	return func(r *NominatimResolver) {
		r.baseURL = strings.TrimRight(u, "/")
	}
}

// WithUserAgent sets the User-Agent header sent upstream.
func WithUserAgent(ua string) NominatimOption {
	return func(r *NominatimResolver) {
		if ua != "" {
			r.userAgent = ua
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) NominatimOption {
	return func(r *NominatimResolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithRateLimit sets the sustained request rate and burst. A non-positive
// rate disables pacing.
func WithRateLimit(perSecond float64, burst int) NominatimOption {
	return func(r *NominatimResolver) {
		if perSecond <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewNominatimResolver creates a resolver for the public Nominatim instance
// unless WithBaseURL says otherwise.
func NewNominatimResolver(opts ...NominatimOption) *NominatimResolver {
	r := &NominatimResolver{
		baseURL:   DefaultNominatimURL,
		userAgent: defaultUserAgent,
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// nominatimPlace is the subset of a search result we use.
type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Resolve looks address up and returns the best match.
func (r *NominatimResolver) Resolve(ctx context.Context, address string) (Coordinate, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Coordinate{}, fmt.Errorf("%w: empty address", ErrNotFound)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return Coordinate{}, err
	}

	params := url.Values{}
	params.Set("q", address)
	params.Set("format", "jsonv2")
	params.Set("limit", "1")
	reqURL := r.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Coordinate{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Coordinate{}, ctxErr
		}
		return Coordinate{}, &TransientError{Address: address, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Coordinate{}, &TransientError{
			Address:    address,
			StatusCode: resp.StatusCode,
			Err:        errors.New(resp.Status),
		}
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return Coordinate{}, &TransientError{Address: address, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(places) == 0 {
		return Coordinate{}, fmt.Errorf("%w: %q", ErrNotFound, address)
	}

	lat, errLat := strconv.ParseFloat(places[0].Lat, 64)
	lon, errLon := strconv.ParseFloat(places[0].Lon, 64)
	if errLat != nil || errLon != nil {
		return Coordinate{}, &TransientError{
			Address: address,
			Err:     fmt.Errorf("unparseable coordinates %q, %q", places[0].Lat, places[0].Lon),
		}
	}
	coord := Coordinate{Latitude: lat, Longitude: lon}
	if err := coord.Validate(); err != nil {
		return Coordinate{}, &TransientError{Address: address, Err: err}
	}
	return coord, nil
}
