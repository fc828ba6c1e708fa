package behavior

import (
	"fmt"
	"math"
	"strings"
	"time"

	"tradesentry/internal/event"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points in
// kilometers.
func haversineKm(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// AnalyzerConfig tunes the individual anomaly analyzers.
type AnalyzerConfig struct {
	MaxTravelSpeedKmh   float64  // implied speed above this is impossible travel
	SuspiciousCountries []string // ISO country codes considered high risk
	LoginHourTolerance  int      // hours of slack around baseline login hours
	SensitiveFields     []string // data field substrings considered sensitive
}

// DefaultAnalyzerConfig returns default analyzer settings.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		MaxTravelSpeedKmh:  1000,
		LoginHourTolerance: 2,
		SensitiveFields:    []string{"password", "token", "key", "secret"},
	}
}

// checkImpossibleTravel compares the attempt's location against the most
// recent successful login within 24 hours that carried one. Speed
// strictly above the limit flags the anomaly. Caller holds the profile
// lock.
func checkImpossibleTravel(cfg AnalyzerConfig, p *Profile, attempt LoginAttempt) *Anomaly {
	if attempt.Location == nil || cfg.MaxTravelSpeedKmh <= 0 {
		return nil
	}

	var prev *LoginAttempt
	for i := len(p.Logins) - 1; i >= 0; i-- {
		l := &p.Logins[i]
		if l.Timestamp.Equal(attempt.Timestamp) && l.IP == attempt.IP {
			continue
		}
		if !l.Timestamp.Before(attempt.Timestamp) {
			continue
		}
		if attempt.Timestamp.Sub(l.Timestamp) > 24*time.Hour {
			break
		}
		if l.Success && l.Location != nil {
			prev = l
			break
		}
	}
	if prev == nil {
		return nil
	}

	elapsed := attempt.Timestamp.Sub(prev.Timestamp).Hours()
	if elapsed <= 0 {
		return nil
	}
	distance := haversineKm(*prev.Location, *attempt.Location)
	speed := distance / elapsed
	if speed > cfg.MaxTravelSpeedKmh {
		return &Anomaly{
			Type:     AnomalyImpossibleTravel,
			Severity: event.SeverityHigh,
			Description: fmt.Sprintf("implied travel speed %.0f km/h over %.0f km in %s",
				speed, distance, attempt.Timestamp.Sub(prev.Timestamp).Round(time.Minute)),
			RiskScore: 70,
			Timestamp: attempt.Timestamp,
		}
	}
	return nil
}

// checkSuspiciousCountry flags logins originating from configured
// high-risk countries.
func checkSuspiciousCountry(cfg AnalyzerConfig, attempt LoginAttempt) *Anomaly {
	if attempt.Location == nil || attempt.Location.Country == "" {
		return nil
	}
	for _, c := range cfg.SuspiciousCountries {
		if strings.EqualFold(c, attempt.Location.Country) {
			return &Anomaly{
				Type:        AnomalySuspiciousCountry,
				Severity:    event.SeverityMedium,
				Description: fmt.Sprintf("login from high-risk country %s", attempt.Location.Country),
				RiskScore:   40,
				Timestamp:   attempt.Timestamp,
			}
		}
	}
	return nil
}

// checkLoginTime flags successful logins outside the baseline hours with
// the configured tolerance. Hours wrap at midnight, so 23 and 0 are
// adjacent. Caller holds the profile lock.
func checkLoginTime(cfg AnalyzerConfig, p *Profile, attempt LoginAttempt) *Anomaly {
	if len(p.Baseline.LoginHours) == 0 {
		return nil
	}
	hour := attempt.Timestamp.Hour()
	for _, h := range p.Baseline.LoginHours {
		diff := hour - h
		if diff < 0 {
			diff = -diff
		}
		if diff > 12 {
			diff = 24 - diff
		}
		if diff <= cfg.LoginHourTolerance {
			return nil
		}
	}
	return &Anomaly{
		Type:        AnomalyUnusualLoginTime,
		Severity:    event.SeverityLow,
		Description: fmt.Sprintf("login at hour %02d outside usual hours", hour),
		RiskScore:   20,
		Timestamp:   attempt.Timestamp,
	}
}

// checkUserAgent flags user agents never seen in the baseline. Caller
// holds the profile lock.
func checkUserAgent(p *Profile, userAgent string, ts time.Time) *Anomaly {
	if userAgent == "" || len(p.Baseline.UserAgents) == 0 {
		return nil
	}
	if p.Baseline.UserAgents[userAgent] {
		return nil
	}
	return &Anomaly{
		Type:        AnomalyUnknownUserAgent,
		Severity:    event.SeverityLow,
		Description: "request from user agent not seen before",
		RiskScore:   15,
		Timestamp:   ts,
	}
}

// sensitiveFields returns the accessed fields matching the configured
// sensitive substrings.
func sensitiveFields(cfg AnalyzerConfig, accessed []string) []string {
	var hits []string
	for _, field := range accessed {
		lower := strings.ToLower(field)
		for _, s := range cfg.SensitiveFields {
			if strings.Contains(lower, s) {
				hits = append(hits, field)
				break
			}
		}
	}
	return hits
}

// checkSensitiveData flags activities touching sensitive data fields.
func checkSensitiveData(cfg AnalyzerConfig, activity UserActivity) *Anomaly {
	hits := sensitiveFields(cfg, activity.DataAccessed)
	if len(hits) == 0 {
		return nil
	}
	return &Anomaly{
		Type:        AnomalySensitiveDataAccess,
		Severity:    event.SeverityHigh,
		Description: fmt.Sprintf("access to sensitive fields: %s", strings.Join(hits, ", ")),
		RiskScore:   60,
		Timestamp:   activity.Timestamp,
	}
}
