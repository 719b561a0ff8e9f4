package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/netutil"
)

const (
	locationCacheFile = "worker_location.json"
	locationCacheTTL  = time.Hour

	externalIPURL = "https://api.ipify.org"
)

// LookupFunc resolves an IP to a location. Satisfied by (*Service).Lookup.
type LookupFunc func(ip net.IP) (model.WorkerLocation, bool)

// Locator detects a worker's location on startup. Detection order: cached
// result (1 h), configured public IP, external-IP service, timezone heuristic.
type Locator struct {
	CacheDir   string
	PublicIP   string // PUBLIC_IP override; skips external detection when set
	Downloader netutil.Downloader
	Lookup     LookupFunc
	Now        func() time.Time // test hook, defaults to time.Now
}

type cachedLocation struct {
	DetectedAtNs int64                `json:"detected_at_ns"`
	Location     model.WorkerLocation `json:"location"`
}

// Detect returns the worker location, consulting the cache first.
func (l *Locator) Detect(ctx context.Context) model.WorkerLocation {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}

	if loc, ok := l.readCache(now()); ok {
		return loc
	}

	loc, ok := l.detectFresh(ctx)
	if !ok {
		loc = timezoneFallback(now())
		log.Printf("[geoip] location detection failed, using timezone heuristic: %s/%s", loc.Continent, loc.Country)
	}
	l.writeCache(now(), loc)
	return loc
}

func (l *Locator) detectFresh(ctx context.Context) (model.WorkerLocation, bool) {
	ipStr := l.PublicIP
	if ipStr == "" && l.Downloader != nil {
		body, err := l.Downloader.Download(ctx, externalIPURL)
		if err != nil {
			log.Printf("[geoip] external IP detection failed: %v", err)
		} else {
			ipStr = strings.TrimSpace(string(body))
		}
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || l.Lookup == nil {
		return model.WorkerLocation{}, false
	}
	return l.Lookup(ip)
}

func (l *Locator) cachePath() string {
	return filepath.Join(l.CacheDir, locationCacheFile)
}

func (l *Locator) readCache(now time.Time) (model.WorkerLocation, bool) {
	if l.CacheDir == "" {
		return model.WorkerLocation{}, false
	}
	data, err := os.ReadFile(l.cachePath())
	if err != nil {
		return model.WorkerLocation{}, false
	}
	var cached cachedLocation
	if err := json.Unmarshal(data, &cached); err != nil {
		return model.WorkerLocation{}, false
	}
	if now.UnixNano()-cached.DetectedAtNs > int64(locationCacheTTL) {
		return model.WorkerLocation{}, false
	}
	return cached.Location, true
}

func (l *Locator) writeCache(now time.Time, loc model.WorkerLocation) {
	if l.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(l.CacheDir, 0o755); err != nil {
		return
	}
	data, err := json.Marshal(cachedLocation{DetectedAtNs: now.UnixNano(), Location: loc})
	if err != nil {
		return
	}
	_ = os.WriteFile(l.cachePath(), data, 0o644)
}

// timezoneFallback derives a coarse location from the local timezone name,
// e.g. "Europe/Berlin" -> continent EU. City and coordinates stay empty.
func timezoneFallback(now time.Time) model.WorkerLocation {
	zone := now.Location().String()
	part, _, _ := strings.Cut(zone, "/")
	loc := model.WorkerLocation{}
	switch part {
	case "Europe":
		loc.Continent = "EU"
	case "America":
		loc.Continent = "NA"
	case "Asia":
		loc.Continent = "AS"
	case "Africa":
		loc.Continent = "AF"
	case "Australia", "Pacific":
		loc.Continent = "OC"
	default:
		loc.Continent = ""
	}
	if city := zoneCity(zone); city != "" {
		loc.City = city
	}
	return loc
}

func zoneCity(zone string) string {
	_, after, found := strings.Cut(zone, "/")
	if !found {
		return ""
	}
	return strings.ReplaceAll(after, "_", " ")
}

// String implements a compact display form for logs.
func LocationString(loc model.WorkerLocation) string {
	return fmt.Sprintf("%s,%s,%s", loc.City, loc.Country, loc.Continent)
}
