package conversations

import "strings"

const canonicalPrefix = "conv:"

// CanonicalID builds the stable conversation id for a business/customer pair.
func CanonicalID(businessID, customerID string) string {
	return canonicalPrefix + businessID + ":" + customerID
}

// ParseCanonical splits a canonical id. The customer id is everything after the
// second colon and may itself contain colons.
func ParseCanonical(raw string) (businessID, customerID string, ok bool) {
	if !strings.HasPrefix(raw, canonicalPrefix) {
		return "", "", false
	}
	rest := raw[len(canonicalPrefix):]
	businessID, customerID, found := strings.Cut(rest, ":")
	if !found || businessID == "" || customerID == "" {
		return "", "", false
	}
	return businessID, customerID, true
}
