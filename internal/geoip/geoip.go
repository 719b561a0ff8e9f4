// Package geoip provides worker geolocation: an mmdb-backed reader with
// scheduled refresh, external-IP detection, and a timezone fallback heuristic.
package geoip

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/netutil"
)

// cityRecord is the subset of the GeoLite2-City mmdb schema we read.
type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Continent struct {
		Code string `maxminddb:"code"`
	} `maxminddb:"continent"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
	Traits struct {
		ASN int    `maxminddb:"autonomous_system_number"`
		ISP string `maxminddb:"autonomous_system_organization"`
	} `maxminddb:"traits"`
}

// ServiceConfig configures the GeoIP service.
type ServiceConfig struct {
	CacheDir       string             // directory where the mmdb file is stored
	DBFilename     string             // default "geoip.mmdb"
	DBURL          string             // release URL for scheduled refresh; empty disables
	UpdateSchedule string             // cron expression, default "0 7 * * *"
	Downloader     netutil.Downloader // shared downloader for fetching releases
}

// Service provides GeoIP lookup with hot-reloading via RWMutex.
type Service struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader // nil until first load

	cacheDir   string
	dbFilename string
	dbURL      string
	downloader netutil.Downloader
	cron       *cron.Cron
	updateMu   sync.Mutex // serializes UpdateNow calls
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// NewService creates a new GeoIP service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.DBFilename == "" {
		cfg.DBFilename = "geoip.mmdb"
	}
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = "0 7 * * *"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cacheDir:   cfg.CacheDir,
		dbFilename: cfg.DBFilename,
		dbURL:      cfg.DBURL,
		downloader: cfg.Downloader,
		lifeCtx:    ctx,
		lifeCancel: cancel,
	}
	if cfg.DBURL != "" && cfg.Downloader != nil {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(cfg.UpdateSchedule, func() {
			if uerr := s.UpdateNow(s.lifeCtx); uerr != nil {
				log.Printf("[geoip] scheduled update failed: %v", uerr)
			}
		})
		if err != nil {
			log.Printf("[geoip] invalid update schedule %q: %v", cfg.UpdateSchedule, err)
		}
	}
	return s
}

// Start loads the on-disk database if present and begins the refresh schedule.
// A missing database is not an error; lookups return zero locations until the
// first successful update.
func (s *Service) Start() {
	if err := s.loadFromDisk(); err != nil {
		log.Printf("[geoip] no local database: %v", err)
	}
	if s.cron != nil {
		s.cron.Start()
	}
}

// Close stops the refresh schedule and releases the reader.
func (s *Service) Close() error {
	s.lifeCancel()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		err := s.reader.Close()
		s.reader = nil
		return err
	}
	return nil
}

func (s *Service) dbPath() string {
	return filepath.Join(s.cacheDir, s.dbFilename)
}

func (s *Service) loadFromDisk() error {
	reader, err := maxminddb.Open(s.dbPath())
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", s.dbPath(), err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// UpdateNow downloads a fresh database and hot-swaps the reader.
func (s *Service) UpdateNow(ctx context.Context) error {
	if s.dbURL == "" || s.downloader == nil {
		return fmt.Errorf("geoip: updates not configured")
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	data, err := s.downloader.Download(ctx, s.dbURL)
	if err != nil {
		return fmt.Errorf("geoip: download: %w", err)
	}

	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return fmt.Errorf("geoip: mkdir %s: %w", s.cacheDir, err)
	}
	tmp := s.dbPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("geoip: write %s: %w", tmp, err)
	}
	// Validate before swapping the live file.
	probe, err := maxminddb.Open(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("geoip: downloaded database invalid: %w", err)
	}
	_ = probe.Close()
	if err := os.Rename(tmp, s.dbPath()); err != nil {
		return fmt.Errorf("geoip: rename: %w", err)
	}
	if err := s.loadFromDisk(); err != nil {
		return err
	}
	log.Printf("[geoip] database updated (%d bytes)", len(data))
	return nil
}

// Lookup resolves an IP to a worker location. Returns false when no database
// is loaded or the IP is not covered.
func (s *Service) Lookup(ip net.IP) (model.WorkerLocation, bool) {
	s.mu.RLock()
	reader := s.reader
	s.mu.RUnlock()
	if reader == nil || ip == nil {
		return model.WorkerLocation{}, false
	}

	var rec cityRecord
	if err := reader.Lookup(ip, &rec); err != nil {
		return model.WorkerLocation{}, false
	}
	if rec.Country.ISOCode == "" && rec.City.Names["en"] == "" {
		return model.WorkerLocation{}, false
	}
	return model.WorkerLocation{
		City:      rec.City.Names["en"],
		Country:   rec.Country.ISOCode,
		Continent: rec.Continent.Code,
		Coordinates: model.Coordinates{
			Lat: rec.Location.Latitude,
			Lon: rec.Location.Longitude,
		},
		ASN: rec.Traits.ASN,
		ISP: rec.Traits.ISP,
	}, true
}
