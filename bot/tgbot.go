// Package bot implements the Telegram front end of the key seller.
//
// Architecture overview:
//   - tgbot.go    — TgBot struct, lifecycle (Start/Stop), Entitlement interface
//   - commands.go — User commands: /start, /trial, /redeem, /referral, /claim, /myapi, /help
//   - admin.go    — Admin commands: /grant, /revokekey, /reactivate, /gift, /giftinfo,
//     /delgift, /disablegift, /sweep, /stats
//   - notifier.go — entity.Notifier implementation forwarding events to admins
//   - sweeper.go  — periodic expiry sweep ticker
//   - helpers.go  — Sanitize, plainResponse, notifyAdmins, key formatting
//
// The bot performs no entitlement logic itself: every command is a call into
// the entitlement manager plus rendering of the typed result. Admin checks
// happen here, against the configured admin id list, before the call.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"

	"apiseller/entity"
	"apiseller/impl/entitlement"
	"apiseller/lib/sl"
)

// BotConfig holds Telegram-specific configuration loaded from the YAML config file.
type BotConfig struct {
	AdminIds          []int64
	ChannelId         int64 // optional; gates referral credit on channel membership
	ReferralThreshold int
	SweepIntervalMin  int
}

// Entitlement is the operation surface the bot depends on.
// Implemented by impl/entitlement.Manager.
type Entitlement interface {
	IssueFreeTrial(ctx context.Context, userId int64, username string) (*entity.ApiKey, error)
	RedeemGift(ctx context.Context, userId int64, username, code string) (*entity.ApiKey, error)
	ClaimReferralTrial(ctx context.Context, userId int64, username string, threshold int) (*entity.ApiKey, error)
	AdminGrant(ctx context.Context, userId int64, username string, plan entity.Plan, days int) (*entity.ApiKey, error)
	AdminRevoke(ctx context.Context, secret string, hard bool) error
	Reactivate(ctx context.Context, secret string) error
	RecordReferral(ctx context.Context, referrerId, referredId int64, referredName string) (bool, error)
	ReferralStats(ctx context.Context, referrerId int64) (*entity.ReferralStats, error)
	MyKeys(ctx context.Context, ownerId int64) ([]*entity.ApiKey, error)
	SweepExpired(ctx context.Context) (int64, error)
	CreateGiftBatch(ctx context.Context, createdBy int64, plan entity.Plan, maxUses, count, apiExpiryDays, cardExpiryDays int, note string) ([]string, error)
	GiftInfo(ctx context.Context, code string) (*entity.GiftCard, error)
	DeactivateGift(ctx context.Context, code string) error
	DeleteGift(ctx context.Context, code string) error
	SystemStats(ctx context.Context) (*entitlement.Stats, error)
}

// TgBot is the central Telegram bot instance.
type TgBot struct {
	log     *slog.Logger
	api     *tgbotapi.Bot
	ent     Entitlement
	updater *ext.Updater
	sweeper *Sweeper
	config  BotConfig
}

func NewTgBot(apiKey string, ent Entitlement, log *slog.Logger, cfg BotConfig) (*TgBot, error) {
	if cfg.ReferralThreshold == 0 {
		cfg.ReferralThreshold = 2
	}
	if cfg.SweepIntervalMin == 0 {
		cfg.SweepIntervalMin = 60
	}

	tgBot := &TgBot{
		log:    log.With(sl.Module("tgbot")),
		ent:    ent,
		config: cfg,
	}

	api, err := tgbotapi.NewBot(apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating api instance: %v", err)
	}
	tgBot.api = api

	return tgBot, nil
}

func (t *TgBot) Start() error {
	interval := time.Duration(t.config.SweepIntervalMin) * time.Minute
	t.sweeper = NewSweeper(t, interval)
	t.sweeper.StartTicker()

	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(b *tgbotapi.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			t.log.Error("handling update:", sl.Err(err))
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	t.updater = ext.NewUpdater(dispatcher, nil)

	// User commands
	dispatcher.AddHandler(handlers.NewCommand("start", t.start))
	dispatcher.AddHandler(handlers.NewCommand("trial", t.trial))
	dispatcher.AddHandler(handlers.NewCommand("redeem", t.redeem))
	dispatcher.AddHandler(handlers.NewCommand("referral", t.referral))
	dispatcher.AddHandler(handlers.NewCommand("claim", t.claim))
	dispatcher.AddHandler(handlers.NewCommand("myapi", t.myapi))
	dispatcher.AddHandler(handlers.NewCommand("help", t.help))

	// Admin commands
	dispatcher.AddHandler(handlers.NewCommand("grant", t.grant))
	dispatcher.AddHandler(handlers.NewCommand("revokekey", t.revokeKey))
	dispatcher.AddHandler(handlers.NewCommand("reactivate", t.reactivate))
	dispatcher.AddHandler(handlers.NewCommand("gift", t.gift))
	dispatcher.AddHandler(handlers.NewCommand("giftinfo", t.giftInfo))
	dispatcher.AddHandler(handlers.NewCommand("delgift", t.delGift))
	dispatcher.AddHandler(handlers.NewCommand("disablegift", t.disableGift))
	dispatcher.AddHandler(handlers.NewCommand("sweep", t.sweep))
	dispatcher.AddHandler(handlers.NewCommand("stats", t.stats))

	err := t.updater.StartPolling(t.api, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &tgbotapi.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &tgbotapi.RequestOpts{
				Timeout: time.Second * 10,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start polling: %w", err)
	}

	t.updater.Idle()
	return nil
}

func (t *TgBot) Stop() {
	if t.sweeper != nil {
		t.sweeper.Stop()
	}
	if t.updater != nil {
		t.log.Info("stopping telegram bot")
		t.updater.Stop()
	}
}
