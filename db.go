package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"caseace/pkg/accounts"
	"caseace/pkg/analytics"
	"caseace/pkg/billing"
	"caseace/pkg/cases"
	"caseace/pkg/config"
	"caseace/pkg/database"
	"caseace/pkg/docs"
	"caseace/pkg/logger"
	"caseace/pkg/mailer"
	"caseace/pkg/notify"
	"caseace/pkg/ocr"
	"caseace/pkg/storage"
	"caseace/pkg/timetrack"
)

const (
	seedAdminEmail    = "admin@caseace.local"
	seedAdminPassword = "admin123"
)

var db *gorm.DB

type services struct {
	accounts  *accounts.Service
	cases     *cases.Service
	billing   *billing.Service
	time      *timetrack.Service
	docs      *docs.Service
	notify    *notify.Service
	analytics *analytics.Service
}

var app *services

// boot opens the database, migrates it when DB_AUTO_MIGRATE is on, builds the
// services and seeds the admin user.
func boot(ctx context.Context) error {
	if err := initDB(cfg); err != nil {
		return err
	}
	if err := initServices(cfg); err != nil {
		return err
	}
	seedDB(ctx)
	return nil
}

func initDB(c *config.Config) error {
	var err error
	db, err = database.Open(c.DBDSN, c.DBSQLitePath)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect database")
		return err
	}
	log.Info().Str("dialect", db.Dialector.Name()).Msg("database connected")
	if !c.DBAutoMigrate {
		return nil
	}
	// a failing table is logged and the rest keeps working
	if err := database.Migrate(db, logger.WithComponent("migrate")); err != nil {
		log.Warn().Err(err).Msg("migration finished with warnings")
	}
	return nil
}

func initServices(c *config.Config) error {
	mail, err := mailer.New(c.SMTP, logger.WithComponent("mailer"))
	if err != nil {
		return err
	}
	store, err := storage.NewLocal(c.UploadBase)
	if err != nil {
		log.Error().Err(err).Str("dir", c.UploadBase).Msg("failed to create upload base dir")
		return err
	}
	n := notify.NewService(db, mail, c.AppURL)
	d := docs.NewService(db, store, n, c.MaxUploadMB<<20)
	if c.DocumentOCR {
		d.WithExtractor(ocr.New("eng"))
	}
	app = &services{
		accounts:  accounts.NewService(db, mail, c.AppURL),
		cases:     cases.NewService(db, n, store),
		billing:   billing.NewService(db, billing.WithTaxRate(c.TaxRate), billing.WithLogger(logger.WithComponent("billing"))),
		time:      timetrack.NewService(db),
		docs:      d,
		notify:    n,
		analytics: analytics.NewService(db),
	}
	return nil
}

func seedDB(ctx context.Context) {
	created, err := app.accounts.EnsureAdmin(ctx, seedAdminEmail, seedAdminPassword)
	if err != nil {
		log.Error().Err(err).Msg("failed to seed admin user")
		return
	}
	if created {
		log.Info().Str("email", seedAdminEmail).Msg("seeded admin user, change its password")
	}
}
