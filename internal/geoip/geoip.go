// Package geoip resolves client addresses to a rough location using a
// MaxMind GeoIP2 or GeoLite2 City database.
package geoip

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/keithlinneman/sitekit/internal/xerrors"
)

// Geo is the location attached to a request.
type Geo struct {
	Country  string  `json:"country"`
	Region   string  `json:"region"`
	City     string  `json:"city"`
	Timezone string  `json:"timezone"`
	EU       bool    `json:"eu"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Metro    uint    `json:"metro"`
	// Radius is the accuracy radius in kilometres.
	Radius uint16 `json:"radius"`
}

// Locator looks up an address. A nil Geo with a nil error means the address
// is not in the database.
type Locator interface {
	Lookup(ip net.IP) (*Geo, error)
}

// Func adapts a function into a Locator.
type Func func(ip net.IP) (*Geo, error)

func (f Func) Lookup(ip net.IP) (*Geo, error) { return f(ip) }

// None never finds anything. It is the default when no database is configured.
var None Locator = Func(func(net.IP) (*Geo, error) { return nil, nil })

// DB is a Locator backed by a memory-mapped mmdb file.
type DB struct {
	mu sync.RWMutex
	r  *geoip2.Reader
}

func Open(path string) (*DB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open geoip database %s", path)
	}
	return &DB{r: r}, nil
}

func (d *DB) Lookup(ip net.IP) (*Geo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.r == nil {
		return nil, xerrors.New("geoip database closed")
	}
	rec, err := d.r.City(ip)
	if err != nil {
		return nil, xerrors.Wrapf(err, "geoip lookup %s", ip)
	}
	if rec.Country.IsoCode == "" && rec.City.GeoNameID == 0 {
		return nil, nil
	}
	g := &Geo{
		Country:  rec.Country.IsoCode,
		City:     rec.City.Names["en"],
		Timezone: rec.Location.TimeZone,
		EU:       rec.Country.IsInEuropeanUnion,
		Lat:      rec.Location.Latitude,
		Lon:      rec.Location.Longitude,
		Metro:    rec.Location.MetroCode,
		Radius:   rec.Location.AccuracyRadius,
	}
	if len(rec.Subdivisions) > 0 {
		g.Region = rec.Subdivisions[0].IsoCode
	}
	return g, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.r == nil {
		return nil
	}
	err := d.r.Close()
	d.r = nil
	return err
}
