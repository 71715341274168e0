package configs

import (
	"testing"

	"github.com/peterldowns/testy/check"
	"github.com/spf13/viper"
)

func TestSubstituteEnvVarsInConfig(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("database.host", "${DB_HOST}")
	viper.Set("database.name", "leiloes")
	substituteEnvVarsInConfig()

	check.Equal(t, "db.internal", viper.GetString("database.host"))
	check.Equal(t, "leiloes", viper.GetString("database.name"))
}

func TestDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()

	var cfg Config
	check.NoError(t, viper.Unmarshal(&cfg))
	check.Equal(t, "8080", cfg.Server.Port)
	check.Equal(t, 12, cfg.Settlement.MaxInstallments)
	check.Equal(t, 0, cfg.Settlement.DefaultInstallments)
	check.Equal(t, "0.015", cfg.Settlement.InterestRate)
	check.Equal(t, "10s", cfg.Bidding.SweepInterval.String())
	check.Equal(t, "leilao_events", cfg.RabbitMQ.Exchange)
}
