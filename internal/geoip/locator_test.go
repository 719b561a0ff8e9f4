package geoip

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/guardant/guardant/internal/model"
)

type stubDownloader struct {
	body  string
	err   error
	calls int
}

func (d *stubDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return []byte(d.body), nil
}

func stubLookup(want string, loc model.WorkerLocation) LookupFunc {
	return func(ip net.IP) (model.WorkerLocation, bool) {
		if ip.String() != want {
			return model.WorkerLocation{}, false
		}
		return loc, true
	}
}

func TestLocatorUsesPublicIPOverride(t *testing.T) {
	dl := &stubDownloader{body: "203.0.113.9"}
	frankfurt := model.WorkerLocation{City: "Frankfurt", Country: "DE", Continent: "EU"}

	l := &Locator{
		CacheDir:   t.TempDir(),
		PublicIP:   "198.51.100.7",
		Downloader: dl,
		Lookup:     stubLookup("198.51.100.7", frankfurt),
	}
	loc := l.Detect(context.Background())
	if loc.City != "Frankfurt" {
		t.Fatalf("location = %+v", loc)
	}
	if dl.calls != 0 {
		t.Fatal("external IP service consulted despite PUBLIC_IP override")
	}
}

func TestLocatorDetectsViaExternalIP(t *testing.T) {
	dl := &stubDownloader{body: "203.0.113.9\n"}
	tokyo := model.WorkerLocation{City: "Tokyo", Country: "JP", Continent: "AS"}

	l := &Locator{
		CacheDir:   t.TempDir(),
		Downloader: dl,
		Lookup:     stubLookup("203.0.113.9", tokyo),
	}
	if loc := l.Detect(context.Background()); loc.City != "Tokyo" {
		t.Fatalf("location = %+v", loc)
	}
	if dl.calls != 1 {
		t.Fatalf("downloader calls = %d", dl.calls)
	}
}

func TestLocatorCachesWithinTTL(t *testing.T) {
	dl := &stubDownloader{body: "203.0.113.9"}
	tokyo := model.WorkerLocation{City: "Tokyo", Country: "JP"}
	dir := t.TempDir()

	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	l := &Locator{
		CacheDir:   dir,
		Downloader: dl,
		Lookup:     stubLookup("203.0.113.9", tokyo),
		Now:        func() time.Time { return now },
	}
	l.Detect(context.Background())

	// Second detection inside the 1 h window must come from the cache.
	now = now.Add(30 * time.Minute)
	l.Lookup = stubLookup("203.0.113.9", model.WorkerLocation{City: "Osaka"})
	if loc := l.Detect(context.Background()); loc.City != "Tokyo" {
		t.Fatalf("location = %+v, want cached Tokyo", loc)
	}
	if dl.calls != 1 {
		t.Fatalf("downloader calls = %d, want 1", dl.calls)
	}

	// Past the TTL the detection runs again.
	now = now.Add(time.Hour)
	if loc := l.Detect(context.Background()); loc.City != "Osaka" {
		t.Fatalf("location = %+v, want fresh Osaka", loc)
	}
}

func TestLocatorFallsBackToTimezone(t *testing.T) {
	l := &Locator{
		CacheDir:   t.TempDir(),
		Downloader: &stubDownloader{err: errors.New("network down")},
		Lookup: func(net.IP) (model.WorkerLocation, bool) {
			return model.WorkerLocation{}, false
		},
	}
	// Whatever the host timezone, detection must not return an error path;
	// the heuristic yields at most a continent.
	loc := l.Detect(context.Background())
	if loc.Country != "" {
		t.Fatalf("fallback should not invent a country: %+v", loc)
	}
}

func TestTimezoneFallbackContinents(t *testing.T) {
	cases := []struct {
		zone string
		want string
	}{
		{"Europe/Berlin", "EU"},
		{"America/New_York", "NA"},
		{"Asia/Singapore", "AS"},
		{"Africa/Lagos", "AF"},
		{"Australia/Sydney", "OC"},
		{"UTC", ""},
	}
	for _, tc := range cases {
		tz, err := time.LoadLocation(tc.zone)
		if err != nil {
			t.Skipf("zone %s unavailable: %v", tc.zone, err)
		}
		loc := timezoneFallback(time.Now().In(tz))
		if loc.Continent != tc.want {
			t.Errorf("timezoneFallback(%s).Continent = %q, want %q", tc.zone, loc.Continent, tc.want)
		}
	}
}

func TestServiceLookupWithoutDatabase(t *testing.T) {
	s := NewService(ServiceConfig{CacheDir: t.TempDir()})
	defer s.Close()
	s.Start()

	if _, ok := s.Lookup(net.ParseIP("203.0.113.9")); ok {
		t.Fatal("lookup without a database should miss")
	}
}
