package endpoint

import "net/url"

// RefreshTokenForm builds the body of a refresh-token grant. AAD v1 takes the
// audience as a resource URI and the directory as an explicit tenant field.
func RefreshTokenForm(clientID, refreshToken, tenantID, resourceURI string) url.Values {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", clientID)
	form.Set("refresh_token", refreshToken)
	form.Set("tenant", tenantID)
	form.Set("resource", resourceURI)
	return form
}

// AuthCodeForm builds the body of an authorization-code grant.
func AuthCodeForm(clientID, code, redirectURI, resourceURI string) url.Values {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", clientID)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("resource", resourceURI)
	return form
}

// DeviceCodeCheckForm builds the body of a device-code poll.
func DeviceCodeCheckForm(clientID, deviceCode string) url.Values {
	form := url.Values{}
	form.Set("grant_type", "device_code")
	form.Set("client_id", clientID)
	form.Set("code", deviceCode)
	return form
}
