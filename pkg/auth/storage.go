package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ProviderRecord is one stored provider configuration row. Exactly one of
// the three config blobs is populated, matching the record's type. Secrets
// (client secrets, bind passwords) are never marshaled into the blobs; they
// are supplied through the environment at configure time.
type ProviderRecord struct {
	ID        int64                `json:"id"`
	Name      string               `json:"name"`
	Type      ProviderType         `json:"type"`
	Enabled   bool                 `json:"enabled"`
	OAuthConf *OAuthProviderConfig `json:"oauth_config,omitempty"`
	SAMLConf  *SAMLProviderConfig  `json:"saml_config,omitempty"`
	LDAPConf  *LDAPProviderConfig  `json:"ldap_config,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Storage persists named provider configurations in Postgres.
type Storage struct {
	db *sql.DB
}

// NewStorage creates provider-config storage over an open database handle.
func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func marshalRecord(rec *ProviderRecord) (oauthJSON, samlJSON, ldapJSON []byte, err error) {
	if rec.OAuthConf != nil {
		if oauthJSON, err = json.Marshal(rec.OAuthConf); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal oauth config: %w", err)
		}
	}
	if rec.SAMLConf != nil {
		if samlJSON, err = json.Marshal(rec.SAMLConf); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal saml config: %w", err)
		}
	}
	if rec.LDAPConf != nil {
		if ldapJSON, err = json.Marshal(rec.LDAPConf); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal ldap config: %w", err)
		}
	}
	return oauthJSON, samlJSON, ldapJSON, nil
}

func unmarshalRecord(rec *ProviderRecord, oauthJSON, samlJSON, ldapJSON []byte) error {
	if len(oauthJSON) > 0 {
		rec.OAuthConf = &OAuthProviderConfig{}
		if err := json.Unmarshal(oauthJSON, rec.OAuthConf); err != nil {
			return fmt.Errorf("failed to unmarshal oauth config: %w", err)
		}
	}
	if len(samlJSON) > 0 {
		rec.SAMLConf = &SAMLProviderConfig{}
		if err := json.Unmarshal(samlJSON, rec.SAMLConf); err != nil {
			return fmt.Errorf("failed to unmarshal saml config: %w", err)
		}
	}
	if len(ldapJSON) > 0 {
		rec.LDAPConf = &LDAPProviderConfig{}
		if err := json.Unmarshal(ldapJSON, rec.LDAPConf); err != nil {
			return fmt.Errorf("failed to unmarshal ldap config: %w", err)
		}
	}
	return nil
}

// CreateProvider inserts a new provider configuration and fills in its ID.
func (s *Storage) CreateProvider(rec *ProviderRecord) error {
	oauthJSON, samlJSON, ldapJSON, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	return s.db.QueryRow(`
		INSERT INTO auth_providers (
			name, provider_type, enabled, oauth_config, saml_config, ldap_config,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id
	`, rec.Name, rec.Type, rec.Enabled, oauthJSON, samlJSON, ldapJSON).Scan(&rec.ID)
}

// GetProvider retrieves a provider configuration by name.
func (s *Storage) GetProvider(name string) (*ProviderRecord, error) {
	var oauthJSON, samlJSON, ldapJSON []byte

	rec := &ProviderRecord{}
	err := s.db.QueryRow(`
		SELECT id, name, provider_type, enabled, oauth_config, saml_config, ldap_config,
			created_at, updated_at
		FROM auth_providers
		WHERE name = $1
	`, name).Scan(
		&rec.ID, &rec.Name, &rec.Type, &rec.Enabled,
		&oauthJSON, &samlJSON, &ldapJSON,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := unmarshalRecord(rec, oauthJSON, samlJSON, ldapJSON); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListProviders lists stored provider configurations, optionally only the
// enabled ones, in stable name order.
func (s *Storage) ListProviders(enabledOnly bool) ([]*ProviderRecord, error) {
	query := `
		SELECT id, name, provider_type, enabled, oauth_config, saml_config, ldap_config,
			created_at, updated_at
		FROM auth_providers
	`
	if enabledOnly {
		query += " WHERE enabled = true"
	}
	query += " ORDER BY name"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ProviderRecord
	for rows.Next() {
		var oauthJSON, samlJSON, ldapJSON []byte

		rec := &ProviderRecord{}
		err := rows.Scan(
			&rec.ID, &rec.Name, &rec.Type, &rec.Enabled,
			&oauthJSON, &samlJSON, &ldapJSON,
			&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if err := unmarshalRecord(rec, oauthJSON, samlJSON, ldapJSON); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateProvider replaces an existing provider configuration by ID.
func (s *Storage) UpdateProvider(rec *ProviderRecord) error {
	oauthJSON, samlJSON, ldapJSON, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		UPDATE auth_providers
		SET provider_type = $1, enabled = $2, oauth_config = $3, saml_config = $4,
			ldap_config = $5, updated_at = NOW()
		WHERE id = $6
	`, rec.Type, rec.Enabled, oauthJSON, samlJSON, ldapJSON, rec.ID)
	return err
}

// DeleteProvider removes a provider configuration by name.
func (s *Storage) DeleteProvider(name string) error {
	_, err := s.db.Exec(`DELETE FROM auth_providers WHERE name = $1`, name)
	return err
}

// ProviderExists reports whether a provider with the given name is stored.
func (s *Storage) ProviderExists(name string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM auth_providers WHERE name = $1)`, name).Scan(&exists)
	return exists, err
}

// SettingsFromRecords folds stored records into a partial settings value
// ready to push through Registry.ConfigureAll. Disabled records are skipped.
func SettingsFromRecords(records []*ProviderRecord) Settings {
	var settings Settings
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		switch {
		case rec.OAuthConf != nil:
			if settings.OAuth == nil {
				settings.OAuth = make(map[string]OAuthProviderConfig)
			}
			settings.OAuth[rec.Name] = *rec.OAuthConf
		case rec.SAMLConf != nil:
			if settings.SAML == nil {
				settings.SAML = make(map[string]SAMLProviderConfig)
			}
			settings.SAML[rec.Name] = *rec.SAMLConf
		case rec.LDAPConf != nil:
			if settings.LDAP == nil {
				settings.LDAP = make(map[string]LDAPProviderConfig)
			}
			settings.LDAP[rec.Name] = *rec.LDAPConf
		}
	}
	return settings
}
