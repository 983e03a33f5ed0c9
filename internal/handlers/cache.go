package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"karen/internal/apierrors"
	"karen/internal/services"
)

// CacheHandler exposes cache introspection and invalidation. Admin only.
type CacheHandler struct {
	cache *services.CacheService
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(cache *services.CacheService) *CacheHandler {
	return &CacheHandler{cache: cache}
}

// Stats returns hit/miss counters and layer sizes
func (h *CacheHandler) Stats(c *fiber.Ctx) error {
	return c.JSON(h.cache.Stats())
}

// FlushNamespace clears all keys in one namespace
func (h *CacheHandler) FlushNamespace(c *fiber.Ctx) error {
	namespace := c.Params("namespace")
	if namespace == "" {
		return apierrors.Validation("Invalid flush", map[string]any{"namespace": "namespace is required"})
	}

	removed, err := h.cache.FlushNamespace(c.Context(), namespace)
	if err != nil {
		return err
	}

	adminID, _ := c.Locals("user_id").(string)
	log.Printf("🧹 [CACHE] Namespace %s flushed by %s (%d keys)", namespace, adminID, removed)
	return c.JSON(fiber.Map{"namespace": namespace, "removed": removed})
}

// FlushAll clears every cached entry
func (h *CacheHandler) FlushAll(c *fiber.Ctx) error {
	if err := h.cache.FlushAll(c.Context()); err != nil {
		return err
	}

	adminID, _ := c.Locals("user_id").(string)
	log.Printf("🧹 [CACHE] Full flush by %s", adminID)
	return c.JSON(fiber.Map{"flushed": true})
}

// GetKey returns one cached entry with its size
func (h *CacheHandler) GetKey(c *fiber.Ctx) error {
	namespace := c.Params("namespace")
	key := c.Params("key")
	if namespace == "" || key == "" {
		return apierrors.Validation("Invalid lookup", map[string]any{"key": "namespace and key are required"})
	}

	value, found := h.cache.Get(c.Context(), namespace, key)
	if !found {
		return apierrors.NotFound("cache entry")
	}
	return c.JSON(fiber.Map{
		"namespace":  namespace,
		"key":        key,
		"value":      value,
		"size_bytes": len(value),
	})
}

// DeleteKey removes one cached entry
func (h *CacheHandler) DeleteKey(c *fiber.Ctx) error {
	namespace := c.Params("namespace")
	key := c.Params("key")
	if namespace == "" || key == "" {
		return apierrors.Validation("Invalid delete", map[string]any{"key": "namespace and key are required"})
	}

	if err := h.cache.Delete(c.Context(), namespace, key); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": true})
}
