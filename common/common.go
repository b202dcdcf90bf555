package common

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/heraldbot/herald/common/config"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/mediocregopher/radix/v3"
)

const VERSION = "0.12.1"

var (
	PQ         *sqlx.DB
	RedisPool  *radix.Pool
	BotSession *discordgo.Session

	RedisAddr string

	logger = GetFixedPrefixLogger("common")
)

var (
	confRedis      = config.RegisterOption("herald.redis", "Address of the redis server", "localhost:6379")
	confRedisPool  = config.RegisterOption("herald.redis.pool_size", "Size of the redis connection pool", 10)
	confPQHost     = config.RegisterOption("herald.pqhost", "Postgres host", "localhost")
	confPQUsername = config.RegisterOption("herald.pqusername", "Postgres user", "herald")
	confPQPassword = config.RegisterOption("herald.pqpassword", "Postgres password", "")
	confPQDB       = config.RegisterOption("herald.pqdb", "Postgres database name", "herald")
	confPQSSLMode  = config.RegisterOption("herald.pqsslmode", "Postgres ssl mode", "disable")
	confMaxSQLConn = config.RegisterOption("herald.sql.max_conns", "Max postgres connections", 10)

	ConfBotToken = config.RegisterOption("herald.bot_token", "Discord bot token", "")

	confNoSchemaInit = config.RegisterOption("herald.no_schema_init", "Skip db schema initialization", false)
)

// CoreInit loads the config and connects to redis and postgres. It has to be
// called before anything else is used.
func CoreInit(loadConfig bool) error {
	if loadConfig {
		config.AddSource(&config.EnvSource{})
		config.Load()
	}

	RedisAddr = confRedis.GetString()

	err := connectRedis(RedisAddr)
	if err != nil {
		return err
	}

	err = connectDB(confPQHost.GetString(), confPQUsername.GetString(), confPQPassword.GetString(), confPQDB.GetString(), confPQSSLMode.GetString())
	if err != nil {
		return err
	}

	return nil
}

// Init sets up the discord session, has to be called after CoreInit.
func Init() error {
	token := ConfBotToken.GetString()
	if token == "" {
		return ErrBotTokenNotSet
	}

	var err error
	BotSession, err = discordgo.New("Bot " + token)
	if err != nil {
		return err
	}
	BotSession.MaxRestRetries = 3

	return nil
}

func connectRedis(addr string) error {
	// a hung redis shouldn't hang startup forever
	customConnFunc := func(network, addr string) (radix.Conn, error) {
		return radix.Dial(network, addr, radix.DialTimeout(time.Second*30))
	}

	var err error
	RedisPool, err = radix.NewPool("tcp", addr, confRedisPool.GetInt(), radix.PoolConnFunc(customConnFunc))
	if err != nil {
		logger.WithError(err).Error("failed connecting to redis")
	}

	return err
}

func connectDB(host, user, pass, dbName, sslMode string) error {
	if host == "" {
		host = "localhost"
	}

	dsn := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password='%s'", host, user, dbName, sslMode, pass)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return err
	}

	PQ = db
	PQ.SetMaxOpenConns(confMaxSQLConn.GetInt())
	PQ.SetMaxIdleConns(confMaxSQLConn.GetInt())

	return nil
}
