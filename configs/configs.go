package configs

import (
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port     string
		Env      string
		LogLevel string
	}
	Database struct {
		Host        string
		Port        string
		User        string
		Password    string
		Name        string
		SSLMode     string
		AutoMigrate bool
	}
	WebSocket struct {
		PingInterval   string
		MaxMessageSize int
		BidsPerSecond  float64
		BidBurst       int
	}
	Auth struct {
		SecretKey string
	}
	Features struct {
		EnableLogging    bool
		AllowCrossOrigin bool
		Monitor          bool
	}
	Bidding struct {
		SweepInterval    time.Duration
		SweepConcurrency int
		MaxExtensions    int
		CapAtAuctionEnd  bool
		ForbidSelfOutbid bool
	}
	Settlement struct {
		InterestRate        string
		MaxInstallments     int
		DefaultInstallments int
	}
	RabbitMQ struct {
		Enabled  bool
		URL      string
		Exchange string
	}
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.env", "dev")
	viper.SetDefault("server.loglevel", "debug")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("websocket.pinginterval", "30s")
	viper.SetDefault("websocket.maxmessagesize", 4096)
	viper.SetDefault("websocket.bidspersecond", 1)
	viper.SetDefault("websocket.bidburst", 3)
	viper.SetDefault("bidding.sweepinterval", "10s")
	viper.SetDefault("bidding.sweepconcurrency", 4)
	viper.SetDefault("settlement.interestrate", "0.015")
	viper.SetDefault("settlement.maxinstallments", 12)
	viper.SetDefault("settlement.defaultinstallments", 0)
	viper.SetDefault("rabbitmq.exchange", "leilao_events")
}

func LoadConfig() (*Config, error) {
	// Load .env file
	if err := godotenv.Load("./configs/.env"); err != nil {
		log.Info("No .env file found")
	}

	viper.SetConfigName("config")    // Name of the config file (without extension)
	viper.SetConfigType("yaml")      // Config file type
	viper.AddConfigPath("./configs") // Path to look for the config file
	viper.AutomaticEnv()             // Automatically map environment variables

	// Allow dots in environment variables to map to nested keys
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	substituteEnvVarsInConfig()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Replaces ${VAR} references in config file values with the environment.
func substituteEnvVarsInConfig() {
	for _, key := range viper.AllKeys() {
		value := viper.GetString(key)
		if !strings.Contains(value, "${") {
			continue
		}
		viper.Set(key, os.Expand(value, os.Getenv))
	}
}
