package provider

import "strings"

// AutoDetect is the candidate of last resort: downstream carrier selection
// must always have something to offer, even for unrecognized numbers.
var AutoDetect = CarrierCandidate{Code: "0", Name: "Auto Detect"}

// DetectByPattern matches a tracking number against known carrier
// signatures (length, prefix/suffix, character class). Best-effort and
// non-authoritative; returns nil when nothing matches.
func DetectByPattern(trackingNumber string) []CarrierCandidate {
	n := strings.ToUpper(strings.TrimSpace(trackingNumber))

	switch {
	case len(n) == 13 && strings.HasSuffix(n, "CN"):
		return []CarrierCandidate{
			{Code: "2005", Name: "China Post"},
			{Code: "2014", Name: "Cainiao"},
		}
	case strings.HasPrefix(n, "IL") || strings.HasSuffix(n, "IL"):
		return []CarrierCandidate{{Code: "5", Name: "Israel Post"}}
	case strings.HasPrefix(n, "9") && (len(n) == 20 || len(n) == 22):
		return []CarrierCandidate{{Code: "21051", Name: "USPS"}}
	case len(n) == 10 && isDigits(n):
		return []CarrierCandidate{{Code: "6", Name: "DHL"}}
	case len(n) == 12 && isDigits(n):
		return []CarrierCandidate{{Code: "2018", Name: "FedEx"}}
	case strings.HasPrefix(n, "1Z"):
		return []CarrierCandidate{{Code: "21037", Name: "UPS"}}
	}
	return nil
}

// FallbackCandidates is the detection tail shared by all clients: pattern
// table first, auto-detect when even that finds nothing.
func FallbackCandidates(trackingNumber string) []CarrierCandidate {
	if c := DetectByPattern(trackingNumber); len(c) > 0 {
		return c
	}
	return []CarrierCandidate{AutoDetect}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
