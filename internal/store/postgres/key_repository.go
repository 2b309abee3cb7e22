// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/openauth/openauth/internal/secrets"
)

const keyAAD = "openauth.jwt.key"

// KeyRepository persists JWT signing keys across restarts. Private keys are
// sealed with the deployment codec before they touch the database.
type KeyRepository struct {
	db    *DB
	codec *secrets.Codec
}

// NewKeyRepository creates a new key repository
func NewKeyRepository(db *DB, codec *secrets.Codec) *KeyRepository {
	return &KeyRepository{db: db, codec: codec}
}

// SaveKey stores a signing key.
func (r *KeyRepository) SaveKey(ctx context.Context, key *secrets.SigningKey) error {
	der := x509.MarshalPKCS1PrivateKey(key.Private)
	sealed, err := r.codec.Seal(der, keyAAD)
	if err != nil {
		return fmt.Errorf("failed to seal signing key: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO jwt_keys (kid, algorithm, private_key_encrypted, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kid) DO NOTHING
	`, key.KID, key.Algorithm, sealed, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save signing key: %w", err)
	}
	return nil
}

// LoadKeys returns all non-retired keys, newest first. The first entry is
// the ring's current key.
func (r *KeyRepository) LoadKeys(ctx context.Context) ([]*secrets.SigningKey, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT kid, algorithm, private_key_encrypted, created_at
		FROM jwt_keys
		WHERE retired_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	defer rows.Close()

	var keys []*secrets.SigningKey
	for rows.Next() {
		var kid, algorithm, sealed string
		var createdAt time.Time
		if err := rows.Scan(&kid, &algorithm, &sealed, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan signing key: %w", err)
		}

		der, err := r.codec.Open(sealed, keyAAD)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal signing key %s: %w", kid, err)
		}
		private, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key %s: %w", kid, err)
		}

		keys = append(keys, &secrets.SigningKey{
			KID:       kid,
			Algorithm: algorithm,
			Private:   private,
			CreatedAt: createdAt,
		})
	}
	return keys, rows.Err()
}

// RetireKey marks a key as out of the ring. Retired keys are kept for
// forensic purposes until pruned.
func (r *KeyRepository) RetireKey(ctx context.Context, kid string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE jwt_keys SET retired_at = $2 WHERE kid = $1 AND retired_at IS NULL
	`, kid, time.Now())
	if err != nil {
		return fmt.Errorf("failed to retire signing key: %w", err)
	}
	return nil
}

// DeleteRetiredBefore prunes keys retired before the cutoff.
func (r *KeyRepository) DeleteRetiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM jwt_keys WHERE retired_at IS NOT NULL AND retired_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune signing keys: %w", err)
	}
	return int(result.RowsAffected()), nil
}
