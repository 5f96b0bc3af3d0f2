package adapter

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"batchsync/internal/model"
	"batchsync/internal/strategy"
)

// Dialect is everything that differs between families. The generic
// SQLAdapter does the rest.
type Dialect struct {
	Family     model.Family
	DriverName string
	Bind       strategy.Bind

	// MaxColumns is the largest column count created column-per-column;
	// wider shapes fall back to a blob table.
	MaxColumns int

	HashType    string
	IntegerType string
	FloatType   string
	BoolType    string
	TextType    string
	BlobType    string
	// BlobLimit truncates blob payloads to this many characters, 0 = no limit.
	BlobLimit int
	// BoolAsInt stores booleans as 1/0.
	BoolAsInt bool

	// TableExistsQuery takes the folded table name as its only argument and
	// returns a count. It looks in the session's default schema.
	TableExistsQuery string
	// SchemaTableExistsQuery takes the folded schema (owner) and table name.
	SchemaTableExistsQuery string
	// FoldName folds an unquoted identifier the way the catalog stores it.
	FoldName func(string) string
	// UnicodeNames allows non-ASCII letters in unquoted identifiers.
	UnicodeNames bool

	DSN func(model.Connection) string
}

// Postgres is the native SQL family.
var Postgres = Dialect{
	Family:                 model.FamilyPostgres,
	DriverName:             "pgx",
	Bind:                   strategy.Dollar,
	MaxColumns:             1600,
	HashType:               "VARCHAR(16)",
	IntegerType:            "BIGINT",
	FloatType:              "DOUBLE PRECISION",
	BoolType:               "BOOLEAN",
	TextType:               "TEXT",
	BlobType:               "JSONB",
	TableExistsQuery:       "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1",
	SchemaTableExistsQuery: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
	FoldName:               strings.ToLower,
	UnicodeNames:           true,
	DSN: func(c model.Connection) string {
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.User, c.Password),
			Host:   c.Host + ":" + strconv.Itoa(c.Port),
			Path:   "/" + c.Database,
		}
		return u.String()
	},
}

// Altibase is reached through its ODBC driver.
var Altibase = Dialect{
	Family:                 model.FamilyAltibase,
	DriverName:             "odbc",
	Bind:                   strategy.QuestionMark,
	MaxColumns:             10,
	HashType:               "VARCHAR(16)",
	IntegerType:            "BIGINT",
	FloatType:              "DOUBLE",
	BoolType:               "SMALLINT",
	TextType:               "VARCHAR(1000)",
	BlobType:               "VARCHAR(4000)",
	BlobLimit:              3990,
	BoolAsInt:              true,
	TableExistsQuery:       "SELECT COUNT(*) FROM SYSTEM_.SYS_TABLES_ WHERE TABLE_NAME = ?",
	SchemaTableExistsQuery: "SELECT COUNT(*) FROM SYSTEM_.SYS_TABLES_ T, SYSTEM_.SYS_USERS_ U WHERE T.USER_ID = U.USER_ID AND U.USER_NAME = ? AND T.TABLE_NAME = ?",
	FoldName:               strings.ToUpper,
	DSN: func(c model.Connection) string {
		return odbcDSN(
			"DRIVER", "{ALTIBASE_HDB_ODBC_64bit}",
			"Server", c.Host,
			"PORT", strconv.Itoa(c.Port),
			"DATABASE", c.Database,
			"User", c.User,
			"Password", c.Password,
			"NLS_USE", "UTF8",
		)
	},
}

// Informix is reached through the IBM Informix ODBC driver. The database
// may be given as "dbname@servername"; the instance name defaults to the
// host otherwise. LVARCHAR(1000) keeps 30 columns under the 32767 byte
// row limit.
var Informix = Dialect{
	Family:                 model.FamilyInformix,
	DriverName:             "odbc",
	Bind:                   strategy.QuestionMark,
	MaxColumns:             30,
	HashType:               "VARCHAR(16)",
	IntegerType:            "INT8",
	FloatType:              "FLOAT",
	BoolType:               "SMALLINT",
	TextType:               "LVARCHAR(1000)",
	BlobType:               "LVARCHAR(30000)",
	BlobLimit:              29990,
	BoolAsInt:              true,
	TableExistsQuery:       "SELECT COUNT(*) FROM systables WHERE tabname = ?",
	SchemaTableExistsQuery: "SELECT COUNT(*) FROM systables WHERE owner = ? AND tabname = ?",
	FoldName:               strings.ToLower,
	DSN: func(c model.Connection) string {
		db, server := c.Database, c.Host
		if i := strings.LastIndex(c.Database, "@"); i >= 0 {
			db, server = c.Database[:i], c.Database[i+1:]
		}
		return odbcDSN(
			"DRIVER", "{IBM INFORMIX ODBC DRIVER}",
			"HOST", c.Host,
			"SERVICE", strconv.Itoa(c.Port),
			"SERVER", server,
			"PROTOCOL", "onsoctcp",
			"DATABASE", db,
			"UID", c.User,
			"PWD", c.Password,
		)
	},
}

// Dialects lists the supported families.
var Dialects = map[model.Family]Dialect{
	model.FamilyPostgres: Postgres,
	model.FamilyAltibase: Altibase,
	model.FamilyInformix: Informix,
}

// DialectFor returns the dialect of family.
func DialectFor(family model.Family) (Dialect, error) {
	d, ok := Dialects[model.ParseFamily(string(family))]
	if !ok {
		return Dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedFamily, family)
	}
	return d, nil
}

// odbcDSN joins key/value pairs, bracing values that contain ';'.
func odbcDSN(kv ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		v := kv[i+1]
		if strings.ContainsAny(v, ";{}") && !strings.HasPrefix(v, "{") {
			v = "{" + strings.ReplaceAll(v, "}", "}}") + "}"
		}
		fmt.Fprintf(&b, "%s=%s;", kv[i], v)
	}
	return b.String()
}
