package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

type Listen struct {
	BindIp string `yaml:"bind_ip" env:"LISTEN_BIND_IP" env-default:"0.0.0.0"`
	Port   string `yaml:"port" env:"LISTEN_PORT" env-default:"8080"`
}

type MongoConfig struct {
	Enabled  bool   `yaml:"enabled" env:"MONGO_ENABLED" env-default:"true"`
	Host     string `yaml:"host" env:"MONGO_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"MONGO_PORT" env-default:"27017"`
	User     string `yaml:"user" env:"MONGO_USER" env-default:""`
	Password string `yaml:"password" env:"MONGO_PASSWORD" env-default:""`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"api_seller"`
	// TimeoutSec bounds every store round-trip.
	TimeoutSec int `yaml:"timeout_sec" env:"MONGO_TIMEOUT_SEC" env-default:"5"`
}

type TelegramConfig struct {
	ApiKey string `yaml:"api_key" env:"TELEGRAM_API_KEY" env-default:""`
	// AdminIds may perform grant/revoke/gift/sweep commands.
	AdminIds []int64 `yaml:"admin_ids" env:"TELEGRAM_ADMIN_IDS"`
	// ChannelId, when set, gates referral credit on membership in that
	// channel (numeric chat id, e.g. -1001234567890).
	ChannelId int64 `yaml:"channel_id" env:"TELEGRAM_CHANNEL_ID" env-default:"0"`
}

type EntitlementConfig struct {
	TrialDays         int `yaml:"trial_days" env:"TRIAL_DAYS" env-default:"3"`
	ReferralThreshold int `yaml:"referral_threshold" env:"REFERRAL_THRESHOLD" env-default:"2"`
	ReferralTrialDays int `yaml:"referral_trial_days" env:"REFERRAL_TRIAL_DAYS" env-default:"7"`
	SweepIntervalMin  int `yaml:"sweep_interval_min" env:"SWEEP_INTERVAL_MIN" env-default:"60"`
}

type Config struct {
	Mongo       MongoConfig       `yaml:"mongo"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Listen      Listen            `yaml:"listen"`
	Env         string            `yaml:"env" env:"ENV" env-default:"local"`
}

func (c *Config) IsAdmin(telegramId int64) bool {
	for _, id := range c.Telegram.AdminIds {
		if id == telegramId {
			return true
		}
	}
	return false
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("config: %s; %s", err, desc)
			instance = nil
			log.Fatal(err)
		}
	})
	return instance
}
