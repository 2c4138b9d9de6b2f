package session

import (
	"net/netip"
	"strings"
)

// RequestContext carries the client attributes captured at session creation
// and replayed on every refresh for binding validation.
type RequestContext struct {
	IPAddress string
	UserAgent string
	DeviceID  string
}

// Risk weights for binding validation. A refresh is rejected once the
// accumulated score reaches riskThreshold.
const (
	riskIPChanged       = 30
	riskIPChangedStrict = 50
	riskUASlightDrift   = 10
	riskUAMajorDrift    = 30
	riskDeviceMismatch  = 40
	riskThreshold       = 100
)

// UA similarity bands. Similarity at or above uaSlightDrift scores zero.
const (
	uaSlightDrift = 0.95
	uaMajorDrift  = 0.80
)

// bindingScore computes the risk score for a refresh arriving with ctx
// against the attributes recorded on the session. In strict mode any IP
// change is scored at the higher weight; otherwise IPs are compared at
// subnet granularity (/24 for IPv4, /64 for IPv6) so DHCP churn inside
// the same network does not score.
func bindingScore(stored, incoming RequestContext, strictIP bool) int {
	score := 0

	if stored.IPAddress != "" && incoming.IPAddress != "" {
		if !sameNetwork(stored.IPAddress, incoming.IPAddress, strictIP) {
			if strictIP {
				score += riskIPChangedStrict
			} else {
				score += riskIPChanged
			}
		}
	}

	if stored.UserAgent != "" && incoming.UserAgent != "" {
		sim := uaSimilarity(stored.UserAgent, incoming.UserAgent)
		switch {
		case sim < uaMajorDrift:
			score += riskUAMajorDrift
		case sim < uaSlightDrift:
			score += riskUASlightDrift
		}
	}

	if stored.DeviceID != "" && incoming.DeviceID != "" && stored.DeviceID != incoming.DeviceID {
		score += riskDeviceMismatch
	}

	return score
}

// sameNetwork reports whether two address strings fall in the same subnet.
// In strict mode only exact address equality passes. Unparseable addresses
// are treated as different networks.
func sameNetwork(a, b string, strict bool) bool {
	ipA, errA := netip.ParseAddr(a)
	ipB, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a == b
	}
	ipA, ipB = ipA.Unmap(), ipB.Unmap()
	if strict {
		return ipA == ipB
	}
	if ipA.Is4() != ipB.Is4() {
		return false
	}
	bits := 64
	if ipA.Is4() {
		bits = 24
	}
	prefA, err := ipA.Prefix(bits)
	if err != nil {
		return false
	}
	prefB, err := ipB.Prefix(bits)
	if err != nil {
		return false
	}
	return prefA == prefB
}

// uaSimilarity is the Jaccard similarity of the token sets of two
// user-agent strings. Tokens are maximal runs of lowercase alphanumerics.
func uaSimilarity(a, b string) float64 {
	ta := uaTokens(a)
	tb := uaTokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func uaTokens(ua string) map[string]struct{} {
	set := make(map[string]struct{})
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 0 {
			set[sb.String()] = struct{}{}
			sb.Reset()
		}
	}
	for _, r := range strings.ToLower(ua) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return set
}
