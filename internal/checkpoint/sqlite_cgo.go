//go:build cgo_sqlite

package checkpoint

// Building with -tags cgo_sqlite swaps the default pure-Go
// `modernc.org/sqlite` driver for `github.com/mattn/go-sqlite3`, for
// deployments that prefer the cgo driver's performance. Every query in
// sqlite.go is written against plain database/sql and is shared verbatim
// between both build configurations.
import _ "github.com/mattn/go-sqlite3"

func init() {
	sqliteDriver = "sqlite3"
}
