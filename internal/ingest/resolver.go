package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ppirong/townly-sub003/internal/cache"
	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/models"
	"github.com/ppirong/townly-sub003/internal/store"
)

// Resolver maps place names and coordinates to upstream location keys.
// Results live in the cache under the location_key kind and are written
// back onto matching user locations.
type Resolver struct {
	client *AccuWeather
	cache  *cache.Cache
	store  *store.Store
}

func NewResolver(client *AccuWeather, c *cache.Cache, st *store.Store) *Resolver {
	return &Resolver{client: client, cache: c, store: st}
}

// Resolve looks up query, calling the provider only on a cache miss.
func (r *Resolver) Resolve(ctx context.Context, query string) (Location, error) {
	return r.resolve(ctx, query, query, nil)
}

// ResolveUser resolves a user location. A key already stored on the row is
// trusted and costs no upstream call.
func (r *Resolver) ResolveUser(ctx context.Context, u models.UserLocation) (Location, error) {
	if u.LocationKey.Valid && u.LocationKey.String != "" {
		known := Location{Key: u.LocationKey.String, Name: u.Name}
		return r.resolve(ctx, u.Query(), u.Name, &known)
	}
	return r.resolve(ctx, u.Query(), u.Name, nil)
}

func (r *Resolver) resolve(ctx context.Context, query, name string, known *Location) (Location, error) {
	key := cache.LocationKeyKey(query)
	data, err := r.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]byte, error) {
		loc := Location{}
		if known != nil {
			loc = *known
		} else {
			resolved, result, err := r.client.ResolveLocation(ctx, query)
			r.archive(ctx, query, result)
			if err != nil {
				return nil, err
			}
			loc = resolved
			if err := r.store.SetUserLocationKey(ctx, name, loc.Key); err != nil {
				log.Printf("resolver: save location key for %q: %v", name, err)
			}
		}
		return json.Marshal(loc)
	})
	if err != nil {
		if failure.KindOf(err) != failure.KindUnknown {
			return Location{}, err
		}
		return Location{}, failure.New(failure.UpstreamUnavailable, "resolve", err)
	}

	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil || loc.Key == "" {
		r.cache.Invalidate(ctx, key)
		return Location{}, failure.New(failure.UpstreamUnavailable, "resolve", fmt.Errorf("bad cached location for %q", query))
	}
	return loc, nil
}

// archive stores the raw resolver response so failed lookups can be replayed.
func (r *Resolver) archive(ctx context.Context, query string, result *FetchResult) {
	if result == nil || len(result.Body) == 0 {
		return
	}
	endpoint := EndpointCitySearch
	if isCoordinates(query) {
		endpoint = EndpointGeoposition
	}
	if _, err := r.store.StoreRawPayload(ctx, 0, ProviderAccuWeather, endpoint, "", "", result.Body); err != nil {
		log.Printf("resolver: store raw payload: %v", err)
	}
}
