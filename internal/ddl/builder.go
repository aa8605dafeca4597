// Package ddl builds the DuckDB statements issued for secrets, catalog attachment,
// extensions and memory maintenance.
package ddl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	SecretTypeIceberg = "iceberg"

	ExtensionHTTPFS  = "httpfs"
	ExtensionIceberg = "iceberg"
)

var (
	extensionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	unsafeIdentChars     = regexp.MustCompile(`[^a-z0-9_]+`)
)

// QuoteIdentifier wraps name in double quotes, doubling embedded quotes.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral wraps value in single quotes, doubling embedded quotes.
func QuoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// SecretName derives the engine secret name for a catalog. The result is a
// lower-case identifier made only of [a-z0-9_], so it never needs quoting.
// Names that had to be rewritten get a hash of the original appended, so
// "sales-eu", "Sales_EU" and "sales_eu" map to different secrets.
func SecretName(catalogName string) string {
	raw := strings.TrimSpace(catalogName)
	sanitized := strings.Trim(unsafeIdentChars.ReplaceAllString(strings.ToLower(raw), "_"), "_")
	if sanitized == raw {
		return "secret_" + sanitized
	}
	if sanitized == "" {
		sanitized = "catalog"
	}
	sum := sha256.Sum256([]byte(raw))
	return "secret_" + sanitized + "_" + hex.EncodeToString(sum[:4])
}

// CreateSecret rebinds (or creates) a token-bearing secret.
func CreateSecret(name, secretType, token string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("secret name is required")
	}
	if strings.TrimSpace(secretType) == "" {
		secretType = SecretTypeIceberg
	}
	if !extensionNamePattern.MatchString(secretType) {
		return "", fmt.Errorf("invalid secret type %q", secretType)
	}
	return fmt.Sprintf("CREATE OR REPLACE SECRET %s (TYPE %s, TOKEN %s)",
		QuoteIdentifier(name),
		secretType,
		QuoteLiteral(token),
	), nil
}

func DropSecret(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("secret name is required")
	}
	return "DROP SECRET IF EXISTS " + QuoteIdentifier(name), nil
}

type AttachOptions struct {
	Catalog   string
	ProjectID string
	Endpoint  string
	Secret    string
}

// AttachCatalog attaches a REST catalog with nested namespaces and stage-create enabled.
func AttachCatalog(opts AttachOptions) (string, error) {
	if strings.TrimSpace(opts.Catalog) == "" {
		return "", fmt.Errorf("catalog name is required")
	}
	if strings.TrimSpace(opts.Endpoint) == "" {
		return "", fmt.Errorf("catalog endpoint is required")
	}
	if strings.TrimSpace(opts.Secret) == "" {
		return "", fmt.Errorf("secret name is required")
	}
	project := strings.TrimSpace(opts.ProjectID)
	if project == "" {
		project = "default"
	}
	return fmt.Sprintf(
		"ATTACH %s AS %s (TYPE ICEBERG, SECRET %s, ENDPOINT %s, SUPPORT_NESTED_NAMESPACES true, SUPPORT_STAGE_CREATE true)",
		QuoteLiteral(project),
		QuoteIdentifier(opts.Catalog),
		QuoteIdentifier(opts.Secret),
		QuoteLiteral(strings.TrimSpace(opts.Endpoint)),
	), nil
}

func DetachCatalog(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("catalog name is required")
	}
	return "DETACH DATABASE IF EXISTS " + QuoteIdentifier(name), nil
}

// ValidateExtensionName accepts the plain lower-case names DuckDB uses for extensions.
func ValidateExtensionName(name string) error {
	if !extensionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid extension name %q", name)
	}
	return nil
}

func InstallExtension(name string) (string, error) {
	if err := ValidateExtensionName(name); err != nil {
		return "", err
	}
	return "INSTALL " + name, nil
}

func LoadExtension(name string) (string, error) {
	if err := ValidateExtensionName(name); err != nil {
		return "", err
	}
	return "LOAD " + name, nil
}

// SetExtensionRepository points INSTALL at repository; an empty value restores the default.
func SetExtensionRepository(repository string) string {
	repository = strings.TrimSpace(repository)
	if repository == "" {
		return "RESET custom_extension_repository"
	}
	return "SET custom_extension_repository = " + QuoteLiteral(repository)
}

const (
	Checkpoint   = "CHECKPOINT"
	ShrinkMemory = "PRAGMA shrink_memory"

	ListExtensions = `SELECT extension_name, installed, loaded FROM duckdb_extensions() ORDER BY extension_name`

	ListTables = `SELECT database_name, schema_name, table_name, 'table' AS kind FROM duckdb_tables() WHERE NOT internal
UNION ALL
SELECT database_name, schema_name, view_name, 'view' AS kind FROM duckdb_views() WHERE NOT internal
ORDER BY 1, 2, 3`
)

// TableRef is a possibly qualified table name split on dots: [catalog.][schema.]table.
type TableRef struct {
	Catalog string
	Schema  string
	Table   string
}

func ParseTableRef(raw string) (TableRef, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.TrimSuffix(strings.TrimPrefix(part, `"`), `"`)
		if part == "" {
			return TableRef{}, fmt.Errorf("invalid table reference %q", raw)
		}
		parts[i] = part
	}
	switch len(parts) {
	case 1:
		return TableRef{Table: parts[0]}, nil
	case 2:
		return TableRef{Schema: parts[0], Table: parts[1]}, nil
	case 3:
		return TableRef{Catalog: parts[0], Schema: parts[1], Table: parts[2]}, nil
	default:
		return TableRef{}, fmt.Errorf("invalid table reference %q", raw)
	}
}

func (r TableRef) Quoted() string {
	parts := make([]string, 0, 3)
	for _, part := range []string{r.Catalog, r.Schema, r.Table} {
		if part != "" {
			parts = append(parts, QuoteIdentifier(part))
		}
	}
	return strings.Join(parts, ".")
}

func DescribeTable(ref TableRef) string {
	return "DESCRIBE " + ref.Quoted()
}

// ListColumns is the metadata-table fallback when DESCRIBE is unavailable.
func ListColumns(ref TableRef) string {
	clauses := []string{"table_name = " + QuoteLiteral(ref.Table)}
	if ref.Schema != "" {
		clauses = append(clauses, "table_schema = "+QuoteLiteral(ref.Schema))
	}
	if ref.Catalog != "" {
		clauses = append(clauses, "table_catalog = "+QuoteLiteral(ref.Catalog))
	}
	return "SELECT column_name, data_type FROM information_schema.columns WHERE " +
		strings.Join(clauses, " AND ") + " ORDER BY ordinal_position"
}
