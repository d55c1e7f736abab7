package msauth

import (
	"strings"
	"time"
)

// assertionType is the client_assertion_type for certificate assertions.
const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// deviceCodeGrant is the grant_type for device-code token polling.
const deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"

// defaultPollInterval applies when the provider omits an interval.
const defaultPollInterval = 5 * time.Second

// slowDownStep is added to the poll interval on each slow_down response.
const slowDownStep = 5 * time.Second

// DefaultScopes are requested during the device-code flow. offline_access
// is required for refresh tokens.
var DefaultScopes = []string{
	"openid",
	"offline_access",
	"User.Read",
	"Mail.ReadWrite",
	"Mail.Send",
	"MailboxSettings.Read",
	"Contacts.Read",
}

// DeviceCode is the provider's device authorization response. The caller
// shows VerificationURI and UserCode to the user out of band, then waits
// for approval.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
}

// PollInterval returns the provider-specified poll interval.
func (d *DeviceCode) PollInterval() time.Duration {
	if d.Interval <= 0 {
		return defaultPollInterval
	}
	return time.Duration(d.Interval) * time.Second
}

// Lifetime returns how long the device code stays redeemable.
func (d *DeviceCode) Lifetime() time.Duration {
	if d.ExpiresIn <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(d.ExpiresIn) * time.Second
}

// tokenResponse is the token endpoint's success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// scopes splits the space-separated scope string.
func (t *tokenResponse) scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}
