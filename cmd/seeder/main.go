//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

const seedContent = `<html><body>
<p>Hi {{ name }},</p>
<p>Our spring collection is out. <a href="https://example.com/spring">Have a look</a>.</p>
</body></html>`

func main() {
	configPath := flag.String("config", os.Getenv("MAILER_CONFIG"), "path to config file")
	teamID := flag.Int64("team", 1, "team to seed")
	categoryID := flag.Int64("category", 1, "category the seeded contacts join")
	contacts := flag.Int("contacts", 25, "number of contacts to create")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn, "up"); err != nil {
		log.Fatal("failed to migrate", zap.Error(err))
	}

	contactRepo := &repository.ContactRepository{DB: conn}
	for i := 1; i <= *contacts; i++ {
		k := &model.Contact{
			TeamID:  *teamID,
			Email:   fmt.Sprintf("contact%03d@example.com", i),
			Name:    fmt.Sprintf("Contact%03d", i),
			Surname: "Seed",
		}
		if err := contactRepo.Create(ctx, k, *categoryID); err != nil {
			log.Fatal("failed to seed contact", logger.Email("email", k.Email), zap.Error(err))
		}
	}
	log.Info("seeded contacts", zap.Int("count", *contacts), zap.Int64("category_id", *categoryID))

	campaignRepo := &repository.CampaignRepository{DB: conn}
	camp := &model.Campaign{
		TeamID:              *teamID,
		Name:                "Spring Collection",
		Subject:             "New arrivals",
		Content:             seedContent,
		CategoryID:          categoryID,
		CooldownHours:       24,
		ShowUnsubscribe:     true,
		EnableOpenTracking:  true,
		EnableClickTracking: true,
	}
	if err := campaignRepo.Create(ctx, camp); err != nil {
		log.Fatal("failed to seed campaign", zap.Error(err))
	}
	log.Info("seeded campaign", zap.Int64("campaign_id", camp.ID), zap.String("name", camp.Name))

	fmt.Println("Database seeding completed successfully!")
}
