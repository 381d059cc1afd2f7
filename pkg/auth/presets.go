package auth

// Preset configuration tables for well-known identity providers and
// directories. Each table seeds the corresponding provider; entries are
// swappable through Configure.

// PresetOAuthProviders returns the built-in OAuth2 endpoint and scope
// tables. Client credentials and redirect URIs must be supplied via
// Configure before the entry is usable.
func PresetOAuthProviders() map[string]OAuthProviderConfig {
	return map[string]OAuthProviderConfig{
		"google": {
			AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenEndpoint:         "https://oauth2.googleapis.com/token",
			UserInfoEndpoint:      "https://openidconnect.googleapis.com/v1/userinfo",
			IssuerURL:             "https://accounts.google.com",
			Scopes:                []string{"openid", "profile", "email"},
			PKCE:                  true,
		},
		"github": {
			AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
			TokenEndpoint:         "https://github.com/login/oauth/access_token",
			UserInfoEndpoint:      "https://api.github.com/user",
			Scopes:                []string{"read:user", "user:email"},
			PKCE:                  true,
		},
		"microsoft": {
			AuthorizationEndpoint: "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenEndpoint:         "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			UserInfoEndpoint:      "https://graph.microsoft.com/oidc/userinfo",
			Scopes:                []string{"openid", "profile", "email", "User.Read"},
			PKCE:                  true,
		},
	}
}

// PresetSAMLProviders returns the built-in SAML IdP tables. Certificates,
// entity IDs and URLs are deployment-specific and arrive via Configure; the
// presets carry the attribute vocabulary each IdP family uses.
func PresetSAMLProviders() map[string]SAMLProviderConfig {
	emailNameID := "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	return map[string]SAMLProviderConfig{
		"okta": {
			NameIDFormat: emailNameID,
			AttributeMapping: map[string]string{
				"email":     "email",
				"firstName": "firstName",
				"lastName":  "lastName",
				"groups":    "groups",
			},
		},
		"azure_ad": {
			NameIDFormat: emailNameID,
			AttributeMapping: map[string]string{
				"email":     "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
				"firstName": "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
				"lastName":  "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
				"groups":    "http://schemas.microsoft.com/ws/2008/06/identity/claims/groups",
			},
		},
		"adfs": {
			NameIDFormat: emailNameID,
			AttributeMapping: map[string]string{
				"email":     "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
				"firstName": "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
				"lastName":  "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
				"groups":    "http://schemas.xmlsoap.org/claims/Group",
			},
		},
		"ping": {
			NameIDFormat: emailNameID,
			AttributeMapping: map[string]string{
				"email":     "mail",
				"firstName": "givenName",
				"lastName":  "sn",
				"groups":    "memberOf",
			},
		},
	}
}

// PresetLDAPProviders returns the built-in directory tables with the search
// filter conventions of each server family. Hosts, bind credentials and
// base DNs arrive via Configure.
func PresetLDAPProviders() map[string]LDAPProviderConfig {
	return map[string]LDAPProviderConfig{
		"active_directory": {
			Port:              636,
			UserSearchFilter:  "(&(objectClass=user)(sAMAccountName={username}))",
			GroupSearchFilter: "(&(objectClass=group)(member={dn}))",
			AttributeMapping: map[string]string{
				"username":    "sAMAccountName",
				"email":       "mail",
				"displayName": "displayName",
				"groups":      "memberOf",
			},
			UseTLS:             true,
			VerifyCertificates: true,
		},
		"openldap": {
			Port:              389,
			UserSearchFilter:  "(&(objectClass=inetOrgPerson)(uid={username}))",
			GroupSearchFilter: "(&(objectClass=groupOfNames)(member={dn}))",
			AttributeMapping: map[string]string{
				"username":    "uid",
				"email":       "mail",
				"displayName": "cn",
				"groups":      "memberOf",
			},
		},
		"freeipa": {
			Port:              636,
			UserSearchFilter:  "(&(objectClass=person)(uid={username}))",
			GroupSearchFilter: "(&(objectClass=groupOfNames)(member={dn}))",
			AttributeMapping: map[string]string{
				"username":    "uid",
				"email":       "mail",
				"displayName": "displayName",
				"groups":      "memberOf",
			},
			UseTLS:             true,
			VerifyCertificates: true,
		},
		"apache_ds": {
			Port:              10389,
			UserSearchFilter:  "(&(objectClass=person)(uid={username}))",
			GroupSearchFilter: "(&(objectClass=groupOfUniqueNames)(uniqueMember={dn}))",
			AttributeMapping: map[string]string{
				"username":    "uid",
				"email":       "mail",
				"displayName": "cn",
				"groups":      "memberOf",
			},
		},
	}
}
