package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"karen/internal/config"
	"karen/internal/crypto"
	"karen/internal/database"
	"karen/internal/models"
)

// ErrProviderNotFound is returned when a provider ID does not exist
var ErrProviderNotFound = errors.New("provider not found")

// ProviderService manages LLM provider registrations, their API keys,
// model visibility filters and last observed endpoint health
type ProviderService struct {
	db     *database.DB
	crypto *crypto.EncryptionService // may be nil, keys are then stored as-is

	healthMu sync.RWMutex
	health   map[int]models.ProviderHealth
}

// NewProviderService creates a new provider service
func NewProviderService(db *database.DB, cryptoService *crypto.EncryptionService) *ProviderService {
	return &ProviderService{db: db, crypto: cryptoService, health: make(map[int]models.ProviderHealth)}
}

// MarkHealth records the outcome of a provider request. A nil err marks the
// provider healthy; anything else marks it unhealthy with the error message.
// Transitions are logged, repeat observations are not.
func (s *ProviderService) MarkHealth(providerID int, err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	prev, known := s.health[providerID]
	next := models.ProviderHealth{Healthy: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		next.LastError = err.Error()
	}
	s.health[providerID] = next

	if !known || prev.Healthy != next.Healthy {
		if next.Healthy {
			log.Printf("💚 [PROVIDER] Provider %d is healthy", providerID)
		} else {
			log.Printf("💔 [PROVIDER] Provider %d is unhealthy: %v", providerID, err)
		}
	}
}

// Health returns the last observed health of a provider. Providers that were
// never contacted report healthy with a zero CheckedAt.
func (s *ProviderService) Health(providerID int) models.ProviderHealth {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	if h, ok := s.health[providerID]; ok {
		return h
	}
	return models.ProviderHealth{Healthy: true}
}

// IsHealthy reports whether a provider's last request succeeded.
// Never-contacted providers count as healthy so fresh registrations get tried.
func (s *ProviderService) IsHealthy(providerID int) bool {
	return s.Health(providerID).Healthy
}

const providerColumns = `id, name, kind, base_url, api_key, enabled, is_default, created_at, updated_at`

// WatchSeed re-applies the provider seed file whenever it changes on disk.
// Editors replace files on save, so Create events count as changes too.
func (s *ProviderService) WatchSeed(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create seed watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(time.Second, func() {
					seed, err := config.LoadProviderSeed(path)
					if err != nil {
						log.Printf("⚠️ [PROVIDER] Seed reload failed: %v", err)
						return
					}
					if err := s.ApplySeed(ctx, seed); err != nil {
						log.Printf("⚠️ [PROVIDER] Seed apply failed: %v", err)
						return
					}
					log.Printf("🌱 [PROVIDER] Seed file reloaded (%d providers)", len(seed.Providers))
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [PROVIDER] Seed watcher error: %v", err)
			}
		}
	}()

	log.Printf("👀 [PROVIDER] Watching seed file %s", path)
	return nil
}

// List returns providers ordered by name
func (s *ProviderService) List(ctx context.Context, includeDisabled bool) ([]models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers`
	if !includeDisabled {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var providers []models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

// GetByID returns one provider
func (s *ProviderService) GetByID(ctx context.Context, id int) (*models.Provider, error) {
	row := s.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	p, err := scanProviderRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	return p, err
}

// GetByName returns a provider by name, or nil when it does not exist
func (s *ProviderService) GetByName(ctx context.Context, name string) (*models.Provider, error) {
	row := s.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE name = ?`, name)
	p, err := scanProviderRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// GetByModelID resolves the provider that serves a model
func (s *ProviderService) GetByModelID(ctx context.Context, modelID string) (*models.Provider, error) {
	var providerID int
	err := s.db.QueryRow(ctx, `SELECT provider_id FROM models WHERE id = ?`, modelID).Scan(&providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model not found: %s", modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model provider: %w", err)
	}
	return s.GetByID(ctx, providerID)
}

// Create registers a new provider
func (s *ProviderService) Create(ctx context.Context, req *models.CreateProviderRequest) (*models.Provider, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if req.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	kind := req.Kind
	if kind == "" {
		kind = models.ProviderKindOpenAI
	}

	encryptedKey, err := s.encryptKey(req.APIKey)
	if err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now().UTC()
	var id int
	err = s.db.QueryRow(ctx,
		`INSERT INTO providers (name, kind, base_url, api_key, enabled, is_default, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		name, kind, req.BaseURL, encryptedKey, enabled, false, now, now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("provider %q already exists", name)
		}
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	log.Printf("✅ [PROVIDER] Registered provider %s (ID %d)", name, id)
	return s.GetByID(ctx, id)
}

// Update patches a provider's mutable fields
func (s *ProviderService) Update(ctx context.Context, id int, req *models.UpdateProviderRequest) (*models.Provider, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	name := current.Name
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		name = strings.TrimSpace(*req.Name)
	}
	baseURL := current.BaseURL
	if req.BaseURL != nil {
		baseURL = *req.BaseURL
	}
	enabled := current.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	apiKey := current.APIKey
	if req.APIKey != nil {
		apiKey, err = s.encryptKey(*req.APIKey)
		if err != nil {
			return nil, err
		}
	}

	_, err = s.db.Exec(ctx,
		`UPDATE providers SET name = ?, base_url = ?, api_key = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		name, baseURL, apiKey, enabled, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update provider: %w", err)
	}

	return s.GetByID(ctx, id)
}

// SetDefault marks one provider as the default, clearing the previous one
func (s *ProviderService) SetDefault(ctx context.Context, id int) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE providers SET is_default = FALSE WHERE is_default = TRUE`)); err != nil {
		return fmt.Errorf("failed to clear default provider: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE providers SET is_default = TRUE, updated_at = ? WHERE id = ?`), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to set default provider: %w", err)
	}

	return tx.Commit()
}

// Delete removes a provider together with its models and filters
func (s *ProviderService) Delete(ctx context.Context, id int) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM models WHERE provider_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete provider models: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM provider_model_filters WHERE provider_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete provider filters: %w", err)
	}

	result, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM providers WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrProviderNotFound
	}

	return tx.Commit()
}

// Count returns the number of registered providers
func (s *ProviderService) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM providers`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count providers: %w", err)
	}
	return count, nil
}

// DecryptedAPIKey returns the provider's usable API key
func (s *ProviderService) DecryptedAPIKey(p *models.Provider) (string, error) {
	if p.APIKey == "" {
		return "", nil
	}
	if s.crypto == nil {
		return p.APIKey, nil
	}
	key, err := s.crypto.DecryptString(crypto.ScopeProviderKeys, p.APIKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt API key for provider %s: %w", p.Name, err)
	}
	return key, nil
}

// encryptKey encrypts an API key for storage
func (s *ProviderService) encryptKey(key string) (string, error) {
	if key == "" {
		return "", nil
	}
	if s.crypto == nil {
		log.Println("⚠️ [PROVIDER] Encryption not configured, storing API key unencrypted")
		return key, nil
	}
	encrypted, err := s.crypto.EncryptString(crypto.ScopeProviderKeys, key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt API key: %w", err)
	}
	return encrypted, nil
}

// SyncFilters replaces the filter set for a provider
func (s *ProviderService) SyncFilters(ctx context.Context, providerID int, filters []models.ModelFilter) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM provider_model_filters WHERE provider_id = ?`), providerID); err != nil {
		return fmt.Errorf("failed to delete old filters: %w", err)
	}

	for _, filter := range filters {
		if filter.Action != "include" && filter.Action != "exclude" {
			return fmt.Errorf("unknown filter action %q", filter.Action)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO provider_model_filters (provider_id, model_pattern, action, priority) VALUES (?, ?, ?, ?)`),
			providerID, filter.Pattern, filter.Action, filter.Priority); err != nil {
			return fmt.Errorf("failed to insert filter: %w", err)
		}
	}

	return tx.Commit()
}

// GetFilters returns a provider's filters, highest priority first
func (s *ProviderService) GetFilters(ctx context.Context, providerID int) ([]models.ModelFilter, error) {
	rows, err := s.db.Query(ctx,
		`SELECT model_pattern, action, priority FROM provider_model_filters
		 WHERE provider_id = ? ORDER BY priority DESC, id ASC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query filters: %w", err)
	}
	defer rows.Close()

	var filters []models.ModelFilter
	for rows.Next() {
		var f models.ModelFilter
		if err := rows.Scan(&f.Pattern, &f.Action, &f.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan filter: %w", err)
		}
		filters = append(filters, f)
	}
	return filters, rows.Err()
}

// ApplyFilters recomputes model visibility from the provider's filter rules.
// With no rules, every model is visible.
func (s *ProviderService) ApplyFilters(ctx context.Context, providerID int) error {
	filters, err := s.GetFilters(ctx, providerID)
	if err != nil {
		return err
	}

	if len(filters) == 0 {
		_, err := s.db.Exec(ctx, `UPDATE models SET is_visible = TRUE WHERE provider_id = ?`, providerID)
		return err
	}

	if _, err := s.db.Exec(ctx, `UPDATE models SET is_visible = FALSE WHERE provider_id = ?`, providerID); err != nil {
		return fmt.Errorf("failed to reset visibility: %w", err)
	}

	// Rules apply in ascending priority so the highest priority wins.
	// Wildcard patterns map onto SQL LIKE.
	for i := len(filters) - 1; i >= 0; i-- {
		filter := filters[i]
		pattern := strings.ReplaceAll(filter.Pattern, "*", "%")
		visible := filter.Action == "include"
		_, err := s.db.Exec(ctx,
			`UPDATE models SET is_visible = ? WHERE provider_id = ? AND (name LIKE ? OR id LIKE ?)`,
			visible, providerID, pattern, pattern)
		if err != nil {
			return fmt.Errorf("failed to apply %s filter: %w", filter.Action, err)
		}
	}

	return nil
}

/// ApplySeed upserts providers from the seed file: API keys come from the
// named environment variables, static model lists are registered, and
// visibility filters are re-applied.
func (s *ProviderService) ApplySeed(ctx context.Context, seed *models.ProviderSeedFile) error {
	for _, entry := range seed.Providers {
		if entry.Name == "" || entry.BaseURL == "" {
			log.Printf("⚠️ [PROVIDER] Skipping seed entry with missing name or base URL")
			continue
		}

		apiKey := ""
		if entry.APIKeyEnv != "" {
			apiKey = os.Getenv(entry.APIKeyEnv)
			if apiKey == "" {
				log.Printf("⚠️ [PROVIDER] Seed %s: env %s is not set, provider will have no key", entry.Name, entry.APIKeyEnv)
			}
		}

		existing, err := s.GetByName(ctx, entry.Name)
		if err != nil {
			return err
		}

		var provider *models.Provider
		if existing == nil {
			enabled := entry.Enabled
			provider, err = s.Create(ctx, &models.CreateProviderRequest{
				Name:    entry.Name,
				Kind:    entry.Kind,
				BaseURL: entry.BaseURL,
				APIKey:  apiKey,
				Enabled: &enabled,
			})
		} else {
			req := &models.UpdateProviderRequest{
				BaseURL: &entry.BaseURL,
				Enabled: &entry.Enabled,
			}
			if apiKey != "" {
				req.APIKey = &apiKey
			}
			provider, err = s.Update(ctx, existing.ID, req)
		}
		if err != nil {
			return fmt.Errorf("failed to seed provider %s: %w", entry.Name, err)
		}

		if err := s.SyncFilters(ctx, provider.ID, entry.Filters); err != nil {
			return fmt.Errorf("failed to seed filters for %s: %w", entry.Name, err)
		}

		for _, m := range entry.Models {
			if err := s.registerStaticModel(ctx, provider.ID, m); err != nil {
				log.Printf("⚠️ [PROVIDER] Failed to seed model %s for %s: %v", m.Name, entry.Name, err)
			}
		}

		if err := s.ApplyFilters(ctx, provider.ID); err != nil {
			return fmt.Errorf("failed to apply filters for %s: %w", entry.Name, err)
		}
	}

	log.Printf("✅ [PROVIDER] Seed applied: %d providers", len(seed.Providers))
	return nil
}

// registerStaticModel upserts a seed-declared model
func (s *ProviderService) registerStaticModel(ctx context.Context, providerID int, m models.ModelSeed) error {
	if m.Name == "" {
		return fmt.Errorf("model name is required")
	}
	displayName := m.DisplayName
	if displayName == "" {
		displayName = m.Name
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO models (id, provider_id, name, display_name, context_length, supports_tools, is_visible, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, TRUE, ?)
		 ON CONFLICT (id) DO UPDATE SET
			provider_id = excluded.provider_id,
			display_name = excluded.display_name,
			context_length = excluded.context_length,
			supports_tools = excluded.supports_tools,
			fetched_at = excluded.fetched_at`,
		m.Name, providerID, m.Name, displayName, m.ContextLength, m.SupportsTools, time.Now().UTC())
	return err
}

// scanProvider reads a provider from a multi-row result
func scanProvider(rows *sql.Rows) (*models.Provider, error) {
	var p models.Provider
	var apiKey sql.NullString
	if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &apiKey, &p.Enabled, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}
	p.APIKey = apiKey.String
	return &p, nil
}

// scanProviderRow reads a provider from a single-row result
func scanProviderRow(row *sql.Row) (*models.Provider, error) {
	var p models.Provider
	var apiKey sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.BaseURL, &apiKey, &p.Enabled, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.APIKey = apiKey.String
	return &p, nil
}

// ToResponse converts a provider to its API view with a masked key
func ToProviderResponse(p *models.Provider, keySet bool, keyTail string) models.ProviderResponse {
	return models.ProviderResponse{
		ID:         p.ID,
		Name:       p.Name,
		Kind:       p.Kind,
		BaseURL:    p.BaseURL,
		APIKeySet:  keySet,
		APIKeyTail: keyTail,
		Enabled:    p.Enabled,
		IsDefault:  p.IsDefault,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// MaskedResponse builds the API view, decrypting only to derive the key tail
func (s *ProviderService) MaskedResponse(p *models.Provider) models.ProviderResponse {
	tail := ""
	set := p.APIKey != ""
	if set {
		if key, err := s.DecryptedAPIKey(p); err == nil && len(key) > 4 {
			tail = key[len(key)-4:]
		}
	}
	resp := ToProviderResponse(p, set, tail)
	resp.Health = s.Health(p.ID)
	return resp
}
