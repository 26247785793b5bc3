// Package product implements the product registry (C3): the mapping from
// a portable (Name, Version, PublicKey) triple to a database-local numeric
// AppId, plus the registered/legacy flags spec §3 attaches to each row.
package product

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tonimelisma/settingsengine/internal/enginerr"
)

// LegacyPublicKey is the well-known public key value that marks a product
// as owned by the legacy adapter (spec §3).
const LegacyPublicKey = "0000000000000000"

// legacyManifestValuePrefix namespaces the self-product keys that carry
// legacy-manifest tombstones, so a peer database can tell a product's
// manifest entry apart from an ordinary value (spec §4.2/§4.8).
const legacyManifestValuePrefix = `Reserved:\Legacy\Manifest\`

// LegacyManifestValueName returns the self-product key a legacy product's
// Forget writes a tombstone under, so that peer databases forget the
// product on their next sync.
func LegacyManifestValueName(productName string) string {
	return legacyManifestValuePrefix + productName
}

// Product is one row of the product registry.
type Product struct {
	AppID      uint32
	Name       string
	Version    string
	PublicKey  string
	Registered bool
	IsLegacy   bool
}

// ValidateName rejects the empty string; spec §4.3 leaves the rest
// unconstrained ("if it isn't empty, it's legal").
func ValidateName(name string) error {
	if name == "" {
		return enginerr.New(enginerr.InvalidFormat, "product.validate_name",
			errors.New("product name must be non-empty"))
	}

	return nil
}

// ValidateVersion requires exactly four dot-separated unsigned integer
// components (spec §4.3: "1.2.3" is rejected, "0.0.0.0" is accepted).
func ValidateVersion(version string) error {
	parts := strings.Split(version, ".")
	if len(parts) != 4 {
		return enginerr.New(enginerr.InvalidFormat, "product.validate_version",
			fmt.Errorf("version %q must have exactly 4 dot-separated components", version))
	}

	for _, p := range parts {
		if _, err := strconv.ParseUint(p, 10, 32); err != nil {
			return enginerr.New(enginerr.InvalidFormat, "product.validate_version",
				fmt.Errorf("version %q component %q is not an unsigned integer", version, p))
		}
	}

	return nil
}

// ValidatePublicKey requires exactly 16 lowercase hex characters. Callers
// are expected to lowercase user input themselves before calling (spec
// §4.3: lowercasing is the caller's responsibility so the unique index
// stays case-normalized); this only validates, it does not normalize.
func ValidatePublicKey(key string) error {
	if len(key) != 16 {
		return enginerr.New(enginerr.InvalidFormat, "product.validate_public_key",
			fmt.Errorf("public key must be exactly 16 characters, got %d", len(key)))
	}

	for _, c := range key {
		isLowerHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !isLowerHex {
			return enginerr.New(enginerr.InvalidFormat, "product.validate_public_key",
				fmt.Errorf("public key %q contains non-lowercase-hex character %q", key, c))
		}
	}

	return nil
}

// NormalizePublicKey lowercases key. Callers normalize before validating
// and storing, per spec §4.3.
func NormalizePublicKey(key string) string { return strings.ToLower(key) }

// IsLegacy reports whether pubkey marks a legacy product.
func IsLegacy(pubkey string) bool { return pubkey == LegacyPublicKey }

// Registry is the product_index table for one database.
type Registry struct {
	db *sql.DB
}

// NewRegistry wraps db as a product Registry.
func NewRegistry(db *sql.DB) *Registry { return &Registry{db: db} }

// FindRow looks up a product by its portable identity.
func (r *Registry) FindRow(ctx context.Context, q Queryer, name, version, pubkey string) (Product, error) {
	var p Product

	err := q.QueryRowContext(ctx, `
		SELECT id, name, version, public_key, registered, is_legacy
		FROM product_index WHERE name = ? AND version = ? AND public_key = ?`,
		name, version, pubkey).
		Scan(&p.AppID, &p.Name, &p.Version, &p.PublicKey, &p.Registered, &p.IsLegacy)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, enginerr.New(enginerr.NotFound, "product.find_row", err)
	}

	if err != nil {
		return Product{}, fmt.Errorf("product: finding row: %w", err)
	}

	return p, nil
}

// FindByAppID looks up a product by its database-local AppId.
func (r *Registry) FindByAppID(ctx context.Context, q Queryer, appID uint32) (Product, error) {
	var p Product

	err := q.QueryRowContext(ctx, `
		SELECT id, name, version, public_key, registered, is_legacy
		FROM product_index WHERE id = ?`, appID).
		Scan(&p.AppID, &p.Name, &p.Version, &p.PublicKey, &p.Registered, &p.IsLegacy)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, enginerr.New(enginerr.NotFound, "product.find_by_app_id", err)
	}

	if err != nil {
		return Product{}, fmt.Errorf("product: finding row by app id: %w", err)
	}

	return p, nil
}

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EnsureCreated finds or creates the product row for (name, version,
// pubkey), returning its AppId and legacy flag. A legacy product
// (pubkey == LegacyPublicKey) can only be created by the legacy adapter,
// never by the generic register API (spec §3) — callers pass
// allowLegacyCreate=false from the public register path.
func (r *Registry) EnsureCreated(ctx context.Context, tx *sql.Tx, name, version, pubkey string, allowLegacyCreate bool) (uint32, bool, error) {
	if err := ValidateName(name); err != nil {
		return 0, false, err
	}

	if err := ValidateVersion(version); err != nil {
		return 0, false, err
	}

	if err := ValidatePublicKey(pubkey); err != nil {
		return 0, false, err
	}

	isLegacy := IsLegacy(pubkey)
	if isLegacy && !allowLegacyCreate {
		return 0, false, enginerr.New(enginerr.AccessDenied, "product.ensure_created",
			errors.New("legacy products cannot be created through the generic register API"))
	}

	existing, err := r.FindRow(ctx, tx, name, version, pubkey)
	if err == nil {
		return existing.AppID, existing.IsLegacy, nil
	}

	if kind, ok := enginerr.Of(err); !ok || kind != enginerr.NotFound {
		return 0, false, err
	}

	var legacySeq sql.NullInt64
	if isLegacy {
		var next int64
		if scanErr := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(legacy_sequence), 0) + 1 FROM product_index WHERE is_legacy = 1`).Scan(&next); scanErr != nil {
			return 0, false, fmt.Errorf("product: allocating legacy sequence: %w", scanErr)
		}

		legacySeq = sql.NullInt64{Int64: next, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO product_index (name, version, public_key, registered, is_legacy, legacy_sequence)
		VALUES (?, ?, ?, 0, ?, ?)`, name, version, pubkey, isLegacy, legacySeq)
	if err != nil {
		return 0, false, fmt.Errorf("product: inserting product row: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("product: reading inserted id: %w", err)
	}

	return uint32(id), isLegacy, nil
}

// Register sets the registered flag for (name, version, pubkey), creating
// the row first if needed (non-legacy only — see EnsureCreated).
func (r *Registry) Register(ctx context.Context, tx *sql.Tx, name, version, pubkey string, registered bool) (uint32, error) {
	appID, _, err := r.EnsureCreated(ctx, tx, name, version, pubkey, false)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE product_index SET registered = ? WHERE id = ?`, registered, appID); err != nil {
		return 0, fmt.Errorf("product: updating registered flag: %w", err)
	}

	return appID, nil
}

// IsRegistered reports whether (name, version, pubkey) is registered in
// this database. Spec §4.3 says this falls back to the read-only
// machine-wide admin database when the row is absent locally; adminLookup
// is nil when no admin handle is configured.
func (r *Registry) IsRegistered(ctx context.Context, name, version, pubkey string, adminLookup func() (bool, error)) (bool, error) {
	p, err := r.FindRow(ctx, r.db, name, version, pubkey)
	if err == nil {
		return p.Registered, nil
	}

	if kind, ok := enginerr.Of(err); !ok || kind != enginerr.NotFound {
		return false, err
	}

	if adminLookup == nil {
		return false, nil
	}

	return adminLookup()
}

// Enumerate lists every product row.
func (r *Registry) Enumerate(ctx context.Context, q Queryer) ([]Product, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, version, public_key, registered, is_legacy FROM product_index ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("product: enumerating: %w", err)
	}
	defer rows.Close()

	var out []Product

	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.AppID, &p.Name, &p.Version, &p.PublicKey, &p.Registered, &p.IsLegacy); err != nil {
			return nil, fmt.Errorf("product: scanning row: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// DeleteRow removes the product_index row for appID. Forget's full
// transaction (dropping history, decrementing stream refs, tombstoning
// the self-product manifest entry) is orchestrated by Engine.ForgetProduct
// in the root settingsengine package, which owns the cross-component
// transaction boundary.
func (r *Registry) DeleteRow(ctx context.Context, tx *sql.Tx, appID uint32) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM product_index WHERE id = ?`, appID); err != nil {
		return fmt.Errorf("product: deleting row %d: %w", appID, err)
	}

	return nil
}
