/*
Copyright (c) PacketScope and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package locator

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/oschwald/geoip2-golang"
	log "github.com/sirupsen/logrus"
)

const unknown = "Unknown"

// GeoResolver enriches hop addresses: the external IP-info service is
// consulted first, falling back to the local GeoIP city and ASN databases,
// then to the literal "Unknown".
type GeoResolver struct {
	city *geoip2.Reader
	asn  *geoip2.Reader

	http      *retryablehttp.Client
	ipinfoURL string
}

// NewGeoResolver opens the local databases. Both are required: the tracer
// treats a missing database as a setup error, the caller decides whether
// that is fatal.
func NewGeoResolver(cityPath, asnPath, ipinfoURL string) (*GeoResolver, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open city database: %w", err)
	}
	asn, err := geoip2.Open(asnPath)
	if err != nil {
		city.Close()
		return nil, fmt.Errorf("unable to open ASN database: %w", err)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil
	return &GeoResolver{city: city, asn: asn, http: client, ipinfoURL: ipinfoURL}, nil
}

// Close releases the database readers.
func (g *GeoResolver) Close() {
	g.city.Close()
	g.asn.Close()
}

type ipinfoResponse struct {
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Org      string `json:"org"`
	Loc      string `json:"loc"`
	Timezone string `json:"timezone"`
}

// Enrich fills location, ASN, ISP and coordinates for one hop in place.
// Private and unresolvable addresses come back as "Unknown".
func (g *GeoResolver) Enrich(h *Hop) {
	h.Location, h.ASN, h.ISP = unknown, unknown, unknown
	if h.IP == nil {
		return
	}
	ip := net.ParseIP(*h.IP)
	if ip == nil {
		return
	}
	if g.enrichRemote(h) {
		return
	}
	g.enrichLocal(h, ip)
}

func (g *GeoResolver) enrichRemote(h *Hop) bool {
	if g.ipinfoURL == "" {
		return false
	}
	resp, err := g.http.Get(fmt.Sprintf("%s/%s/json", strings.TrimRight(g.ipinfoURL, "/"), *h.IP))
	if err != nil {
		log.Debugf("ipinfo lookup for %s failed: %v", *h.IP, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return false
	}
	var info ipinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false
	}
	if info.City == "" && info.Org == "" {
		return false
	}
	parts := []string{}
	for _, p := range []string{info.City, info.Region, info.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		h.Location = strings.Join(parts, ", ")
	}
	if info.Org != "" {
		// ipinfo packs "AS15169 Google LLC" into one field
		if asn, isp, ok := strings.Cut(info.Org, " "); ok && strings.HasPrefix(asn, "AS") {
			h.ASN = asn
			h.ISP = isp
		} else {
			h.ISP = info.Org
		}
	}
	if lat, lon, ok := parseLoc(info.Loc); ok {
		h.Geo = &Geo{Lat: lat, Lon: lon, TZ: info.Timezone}
	}
	return true
}

func (g *GeoResolver) enrichLocal(h *Hop, ip net.IP) {
	if city, err := g.city.City(ip); err == nil && city != nil {
		parts := []string{}
		if name := city.City.Names["en"]; name != "" {
			parts = append(parts, name)
		}
		if name := city.Country.Names["en"]; name != "" {
			parts = append(parts, name)
		}
		if len(parts) > 0 {
			h.Location = strings.Join(parts, ", ")
		}
		if city.Location.Latitude != 0 || city.Location.Longitude != 0 {
			h.Geo = &Geo{
				Lat:    city.Location.Latitude,
				Lon:    city.Location.Longitude,
				Radius: int(city.Location.AccuracyRadius),
				TZ:     city.Location.TimeZone,
			}
		}
	}
	if asn, err := g.asn.ASN(ip); err == nil && asn != nil && asn.AutonomousSystemNumber != 0 {
		h.ASN = fmt.Sprintf("AS%d", asn.AutonomousSystemNumber)
		if asn.AutonomousSystemOrganization != "" {
			h.ISP = asn.AutonomousSystemOrganization
		}
	}
}

func parseLoc(loc string) (lat, lon float64, ok bool) {
	a, b, found := strings.Cut(loc, ",")
	if !found {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(a), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(b), 64)
	return lat, lon, err1 == nil && err2 == nil
}
