package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBindingScore(t *testing.T) {
	stored := RequestContext{
		IPAddress: "203.0.113.10",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0",
		DeviceID:  "dev-1",
	}

	tests := []struct {
		name     string
		incoming RequestContext
		strict   bool
		want     int
	}{
		{
			name:     "identical context",
			incoming: stored,
			want:     0,
		},
		{
			name: "same ipv4 subnet",
			incoming: RequestContext{
				IPAddress: "203.0.113.250",
				UserAgent: stored.UserAgent,
				DeviceID:  "dev-1",
			},
			want: 0,
		},
		{
			name: "different ipv4 subnet",
			incoming: RequestContext{
				IPAddress: "198.51.100.10",
				UserAgent: stored.UserAgent,
				DeviceID:  "dev-1",
			},
			want: riskIPChanged,
		},
		{
			name: "strict mode scores any ip change higher",
			incoming: RequestContext{
				IPAddress: "203.0.113.11",
				UserAgent: stored.UserAgent,
				DeviceID:  "dev-1",
			},
			strict: true,
			want:   riskIPChangedStrict,
		},
		{
			name: "minor user agent drift",
			incoming: RequestContext{
				IPAddress: stored.IPAddress,
				UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/129.0",
				DeviceID:  "dev-1",
			},
			want: riskUASlightDrift,
		},
		{
			name: "unrelated user agent",
			incoming: RequestContext{
				IPAddress: stored.IPAddress,
				UserAgent: "curl/8.5.0",
				DeviceID:  "dev-1",
			},
			want: riskUAMajorDrift,
		},
		{
			name: "device mismatch",
			incoming: RequestContext{
				IPAddress: stored.IPAddress,
				UserAgent: stored.UserAgent,
				DeviceID:  "dev-2",
			},
			want: riskDeviceMismatch,
		},
		{
			name: "everything changed crosses the threshold",
			incoming: RequestContext{
				IPAddress: "198.51.100.10",
				UserAgent: "curl/8.5.0",
				DeviceID:  "dev-2",
			},
			want: riskIPChanged + riskUAMajorDrift + riskDeviceMismatch,
		},
		{
			name:     "missing incoming attributes score nothing",
			incoming: RequestContext{},
			want:     0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := bindingScore(stored, tc.incoming, tc.strict)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSameNetwork(t *testing.T) {
	assert.True(t, sameNetwork("203.0.113.10", "203.0.113.200", false), "ipv4 /24")
	assert.False(t, sameNetwork("203.0.113.10", "203.0.114.10", false))
	assert.False(t, sameNetwork("203.0.113.10", "203.0.113.11", true), "strict requires exact match")
	assert.True(t, sameNetwork("203.0.113.10", "203.0.113.10", true))

	assert.True(t, sameNetwork("2001:db8:1:2:aaaa::1", "2001:db8:1:2:bbbb::2", false), "ipv6 /64")
	assert.False(t, sameNetwork("2001:db8:1:2::1", "2001:db8:1:3::1", false))

	assert.False(t, sameNetwork("203.0.113.10", "2001:db8::1", false), "families never match")
	assert.False(t, sameNetwork("garbage", "203.0.113.10", false))
	assert.True(t, sameNetwork("garbage", "garbage", false), "unparseable falls back to string equality")
}

func TestUASimilarity(t *testing.T) {
	ua := "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0"
	assert.Equal(t, 1.0, uaSimilarity(ua, ua))
	assert.Equal(t, 1.0, uaSimilarity("", ""))
	assert.Equal(t, 0.0, uaSimilarity(ua, ""))
	assert.Less(t, uaSimilarity(ua, "curl/8.5.0"), uaMajorDrift)

	bumped := "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/129.0"
	sim := uaSimilarity(ua, bumped)
	assert.Less(t, sim, uaSlightDrift)
	assert.GreaterOrEqual(t, sim, uaMajorDrift)
}
