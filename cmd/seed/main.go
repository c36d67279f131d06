// File: cmd/seed/main.go
//
// Seeds a baseline plan catalog and provider product mappings, for
// development and fresh deployments. Running it twice is safe: plans
// upsert by slug and product mappings by (provider, product_ref).
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"

	"membership-billing-pipeline/internal/config"
	"membership-billing-pipeline/internal/domain"
	"membership-billing-pipeline/internal/domain/model"
	pg "membership-billing-pipeline/internal/infra/db/postgres"
)

type seedPlan struct {
	name       string
	slug       string
	priceCents int64
	interval   model.PlanInterval
	// provider product refs pointing at this plan
	products map[model.Provider]string
}

var catalog = []seedPlan{
	{
		name: "VIP Mensal", slug: "vip-mensal", priceCents: 9700, interval: model.PlanIntervalMonthly,
		products: map[model.Provider]string{
			model.ProviderHotmart: "VIPM01",
			model.ProviderKiwify:  "prod_vip_mensal",
		},
	},
	{
		name: "VIP Anual", slug: "vip-anual", priceCents: 89700, interval: model.PlanIntervalYearly,
		products: map[model.Provider]string{
			model.ProviderHotmart: "VIPA01",
		},
	},
	{name: "Gratuito", slug: "free", priceCents: 0, interval: model.PlanIntervalLifetime},
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 2)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	plans := pg.NewPlanRepo(pool)
	products := pg.NewPlatformProductRepo(pool)

	for _, sp := range catalog {
		plan, err := plans.FindBySlug(ctx, nil, sp.slug)
		if err == domain.ErrNotFound {
			plan, err = model.NewPlan(uuid.NewString(), sp.name, sp.slug, sp.priceCents, "BRL", sp.interval)
			if err != nil {
				log.Fatalf("plan %s: %v", sp.slug, err)
			}
			if err := plans.Save(ctx, nil, plan); err != nil {
				log.Fatalf("save plan %s: %v", sp.slug, err)
			}
			log.Printf("created plan %s (%s)", sp.slug, plan.ID)
		} else if err != nil {
			log.Fatalf("find plan %s: %v", sp.slug, err)
		}

		for provider, ref := range sp.products {
			pp := &model.PlatformProduct{
				ID:         uuid.NewString(),
				Provider:   provider,
				ProductRef: ref,
				PlanID:     plan.ID,
				CreatedAt:  time.Now(),
			}
			if err := products.Save(ctx, nil, pp); err != nil {
				log.Fatalf("map %s/%s -> %s: %v", provider, ref, sp.slug, err)
			}
			log.Printf("mapped %s/%s -> %s", provider, ref, sp.slug)
		}
	}
	log.Println("seed complete")
}
