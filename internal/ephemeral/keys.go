package ephemeral

import "strings"

// Key namespaces
const (
	NamespaceShare    = "share"
	NamespaceTemp     = "temp"
	NamespaceRate     = "rate"
	NamespaceActivity = "activity"
	NamespaceRevoked  = "revoked"
)

// Key joins a namespace and parts with ':'
func Key(namespace string, parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

// ShareKey holds the state hash of one link
func ShareKey(linkID string) string {
	return Key(NamespaceShare, linkID)
}

// IssuerKey holds the list of link ids issued by a principal
func IssuerKey(issuerID string) string {
	return Key(NamespaceShare, "issuer", issuerID)
}

// TempKey holds a temporary download handle
func TempKey(handle string) string {
	return Key(NamespaceTemp, handle)
}

// RateKey holds a windowed counter for scope and id
func RateKey(scope, id string) string {
	return Key(NamespaceRate, scope, id)
}

// ActivityKey holds the bounded trail of a subject
func ActivityKey(subject, id string) string {
	return Key(NamespaceActivity, subject, id)
}

// RevokedTokenKey marks a bearer token id as revoked
func RevokedTokenKey(tokenID string) string {
	return Key(NamespaceRevoked, tokenID)
}
