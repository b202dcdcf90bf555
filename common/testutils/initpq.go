package testutils

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	// postgres driver
	_ "github.com/lib/pq"
)

// ConnectPQ connects to a postgres database for testing purposes, controlled
// by the HERALD_TEST_PQ_* environment variables.
func ConnectPQ() (*sqlx.DB, error) {
	host := os.Getenv("HERALD_TEST_PQ_HOST")
	if host == "" {
		host = "localhost"
	}
	user := os.Getenv("HERALD_TEST_PQ_USER")
	if user == "" {
		user = "herald_test"
	}

	dbPassword := os.Getenv("HERALD_TEST_PQ_PASSWORD")
	sslMode := os.Getenv("HERALD_TEST_PQ_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	dbName := os.Getenv("HERALD_TEST_PQ_DB")
	if dbName == "" {
		dbName = "herald_test"
	}

	if !strings.Contains(dbName, "test") {
		panic("Test database name has to contain 'test', this is a safety measure to protect against running tests on production systems.")
	}

	connStr := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password='%s'", host, user, dbName, sslMode, dbPassword)

	return sqlx.Connect("postgres", connStr)
}

// InitTables drops the provided tables and runs the init statements.
func InitTables(db *sqlx.DB, dropTables []string, initQueries []string) error {
	for _, v := range dropTables {
		_, err := db.Exec("DROP TABLE IF EXISTS " + v)
		if err != nil {
			return err
		}
	}

	for _, v := range initQueries {
		_, err := db.Exec(v)
		if err != nil {
			return err
		}
	}

	return nil
}

// InitPQ is a helper that calls both ConnectPQ and InitTables.
func InitPQ(dropTables []string, initQueries []string) (*sqlx.DB, error) {
	db, err := ConnectPQ()
	if err != nil {
		return nil, err
	}

	err = InitTables(db, dropTables, initQueries)
	return db, err
}

// ClearTables deletes all rows from the given tables, panicking on error,
// useful in test cleanup defers.
func ClearTables(db *sqlx.DB, tables ...string) {
	for _, v := range tables {
		_, err := db.Exec("DELETE FROM " + v)
		if err != nil {
			panic(err)
		}
	}
}
