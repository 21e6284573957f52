package geoip

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"vlyne/internal/logger"

	"github.com/oschwald/geoip2-golang"
)

// UnknownCountry is reported when no database is loaded or the address is
// not covered.
const UnknownCountry = "XX"

var (
	mu            sync.RWMutex
	asnReader     *geoip2.Reader
	countryReader *geoip2.Reader

	lookupIP = net.DefaultResolver.LookupIP
)

// Init loads the MMDB files. Either path may be empty, in which case that
// part of the lookup is skipped.
func Init(asnPath, countryPath string) error {
	mu.Lock()
	defer mu.Unlock()

	if countryPath != "" {
		r, err := geoip2.Open(countryPath)
		if err != nil {
			return fmt.Errorf("failed to open Country DB at %s: %w", countryPath, err)
		}
		countryReader = r
	}

	if asnPath != "" {
		r, err := geoip2.Open(asnPath)
		if err != nil {
			// ISP names are cosmetic; keep going with the country data
			logger.Log.Warnf("Failed to open ASN DB at %s: %v. ISP data will be missing.", asnPath, err)
		} else {
			asnReader = r
		}
	}
	return nil
}

// Enabled reports whether a country database is loaded.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return countryReader != nil
}

type Result struct {
	ISP     string
	Country string
}

// Lookup resolves host when it is a name and looks up the first address.
// It never fails: anything it cannot answer comes back as UnknownCountry.
func Lookup(ctx context.Context, host string) Result {
	res := Result{ISP: "Unknown", Country: UnknownCountry}

	mu.RLock()
	defer mu.RUnlock()
	if countryReader == nil && asnReader == nil {
		return res
	}

	ip := resolve(ctx, host)
	if ip == nil {
		return res
	}

	if countryReader != nil {
		if c, err := countryReader.Country(ip); err == nil && c.Country.IsoCode != "" {
			res.Country = c.Country.IsoCode
		}
	}
	if asnReader != nil {
		if asn, err := asnReader.ASN(ip); err == nil && asn.AutonomousSystemOrganization != "" {
			res.ISP = asn.AutonomousSystemOrganization
		}
	}
	return res
}

func resolve(ctx context.Context, host string) net.IP {
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ips, err := lookupIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		logger.Log.Debugf("geoip: cannot resolve %s: %v", host, err)
		return nil
	}
	return ips[0]
}

// Flag turns an ISO country code into its emoji flag, or a globe for
// anything that is not a two-letter code.
func Flag(code string) string {
	if len(code) != 2 || code == UnknownCountry {
		return "🌐"
	}
	code = strings.ToUpper(code)
	if code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return "🌐"
	}
	return string(rune(code[0])+127397) + string(rune(code[1])+127397)
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	if asnReader != nil {
		asnReader.Close()
		asnReader = nil
	}
	if countryReader != nil {
		countryReader.Close()
		countryReader = nil
	}
}
