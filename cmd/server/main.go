package main

import (
	"context"
	"flag"
	"log"
	"log/slog"

	"apiseller/bot"
	"apiseller/impl/entitlement"
	"apiseller/impl/giftcard"
	"apiseller/impl/keyreg"
	"apiseller/impl/referral"
	"apiseller/internal/config"
	"apiseller/internal/database"
	"apiseller/internal/http-server/api"
	"apiseller/lib/logger"
	"apiseller/lib/sl"
)

func main() {
	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	lg := logger.Setup(conf.Env, *logPath)
	lg.Info("starting apiseller", slog.String("config", *configPath), slog.String("env", conf.Env))

	mongo := database.NewMongoClient(conf)
	if mongo == nil {
		log.Fatal("mongo is disabled in config; the entitlement store is required")
	}
	if err := mongo.EnsureIndexes(context.Background()); err != nil {
		log.Fatal("creating store indexes: ", err)
	}

	keys := keyreg.New(mongo, lg)
	gifts := giftcard.New(mongo, keys, lg)
	refs := referral.New(mongo, lg)
	ent := entitlement.New(mongo, keys, gifts, refs, entitlement.Settings{
		TrialDays:         conf.Entitlement.TrialDays,
		ReferralTrialDays: conf.Entitlement.ReferralTrialDays,
	}, lg)

	tgBot, err := bot.NewTgBot(conf.Telegram.ApiKey, ent, lg, bot.BotConfig{
		AdminIds:          conf.Telegram.AdminIds,
		ChannelId:         conf.Telegram.ChannelId,
		ReferralThreshold: conf.Entitlement.ReferralThreshold,
		SweepIntervalMin:  conf.Entitlement.SweepIntervalMin,
	})
	if err != nil {
		log.Fatal("creating telegram bot: ", err)
	}
	ent.SetNotifier(tgBot)

	// gateway endpoints for the external API service
	go func() {
		if err := api.New(conf, lg, ent); err != nil {
			lg.Error("api server stopped", sl.Err(err))
		}
	}()

	// blocks until the updater is stopped
	if err = tgBot.Start(); err != nil {
		lg.Error("telegram bot stopped", sl.Err(err))
	}
	tgBot.Stop()
}
