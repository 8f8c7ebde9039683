package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"

	TenantHeader = "X-Tenant-ID"
)

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9_]{1,48}$`)

// ValidTenantID reports whether id can name a clinic schema.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// SchemaName returns the schema holding a clinic's visits and staff.
func SchemaName(tenantID string) string {
	return "clinic_" + tenantID
}

// QuoteSchema returns schema as a quoted SQL identifier.
func QuoteSchema(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}

// TenantMiddleware pins a pooled connection to the request with its
// search_path set to the tenant's schema. Repositories pick it up through
// ConnFromContext.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", QuoteSchema(SchemaName(tenantID)))); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed").SetInternal(err)
			}
			// Pooled connections are shared across tenants.
			defer conn.Exec(context.WithoutCancel(ctx), "RESET search_path")

			ctx = WithTenant(ctx, tenantID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

// extractTenantID prefers the token's tenant claim over the header.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get(TenantHeader); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema provisions a clinic schema and brings it up to date.
// It returns the number of migrations applied.
func CreateTenantSchema(ctx context.Context, m *Migrator, tenantID string) (int, error) {
	if !ValidTenantID(tenantID) {
		return 0, fmt.Errorf("invalid tenant identifier: %q", tenantID)
	}
	n, err := m.Up(ctx, SchemaName(tenantID))
	if err != nil {
		return n, fmt.Errorf("migrate tenant %s: %w", tenantID, err)
	}
	return n, nil
}
