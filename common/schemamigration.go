package common

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var createTableRegex = regexp.MustCompile(`(?i)create table if not exists ([0-9a-z_]*) *\(`)

// InitSchemas runs the provided schema statements, holding a redis lock so
// that multiple processes starting at once don't run them concurrently.
func InitSchemas(name string, schemas ...string) {
	if confNoSchemaInit.GetBool() {
		return
	}

	if err := BlockingLockRedisKey("schema_init", time.Minute*10, 60*60); err != nil {
		panic(err)
	}
	defer UnlockRedisKey("schema_init")

	for i, v := range schemas {
		initSchema(v, fmt.Sprintf("%s[%d]", name, i))
	}
}

func initSchema(schema string, name string) {
	skip, err := checkSkipSchemaInit(schema)
	if err != nil {
		logger.WithError(err).Error("failed checking if we should skip schema: ", name)
	}

	if skip {
		return
	}

	logger.Info("schema initialization: ", name)

	_, err = PQ.Exec(schema)
	if err != nil {
		UnlockRedisKey("schema_init")
		logger.WithError(err).Fatal("failed initializing postgres schema for ", name)
	}
}

func checkSkipSchemaInit(schema string) (exists bool, err error) {
	trimmed := strings.TrimSpace(schema)

	if matches := createTableRegex.FindAllStringSubmatch(trimmed, -1); len(matches) > 0 {
		return TableExists(matches[0][1])
	}

	return false, nil
}

func TableExists(table string) (b bool, err error) {
	const query = `
SELECT EXISTS
(
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public'
	AND table_name = $1
);`

	err = PQ.QueryRow(query, table).Scan(&b)
	return b, err
}
